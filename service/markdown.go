package service

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/empire-tm/DoclingOCRServer/model"
)

// RenderMarkdown serializes a converted document into a single Markdown body
// plus the images it references. Image filenames are generated here, before
// anything is persisted, so the body links and the stored files always agree.
func RenderMarkdown(doc *model.Document, tablePolicy string) (string, []model.ExportedImage) {
	var (
		parts  []string
		images []model.ExportedImage
	)

	for _, block := range doc.Blocks {
		switch block.Type {
		case model.BlockText:
			text := strings.TrimSpace(block.Text)
			if text == "" {
				continue
			}
			parts = append(parts, renderText(text, block.Level))

		case model.BlockTable:
			if block.Table == nil {
				continue
			}
			var rendered string
			if ClassifyTable(block.Table, tablePolicy) == model.TableFormatHTML {
				rendered = renderHTMLTable(block.Table)
			} else {
				rendered = renderMarkdownTable(block.Table)
			}
			if rendered != "" {
				parts = append(parts, rendered)
			}

		case model.BlockImage:
			if block.Image == nil || len(block.Image.Data) == 0 {
				continue
			}
			img := model.ExportedImage{
				Filename: imageFilename(block.Image.Format),
				Data:     block.Image.Data,
			}
			images = append(images, img)
			parts = append(parts, fmt.Sprintf("![%s](images/%s)", imageAltText(block.Image.Caption), img.Filename))
		}
	}

	if len(parts) == 0 {
		return "", images
	}
	return strings.Join(parts, "\n\n") + "\n", images
}

func renderText(text string, level int) string {
	if level <= 0 {
		return text
	}
	if level > 6 {
		level = 6
	}
	return strings.Repeat("#", level) + " " + text
}

// imageFilename returns a collision-free name for an exported image.
func imageFilename(format string) string {
	ext := strings.ToLower(strings.TrimSpace(format))
	if ext == "" {
		ext = ".png"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return uuid.New().String() + ext
}

// imageAltText flattens a caption into link-safe alt text.
func imageAltText(caption string) string {
	r := strings.NewReplacer("\n", " ", "[", "", "]", "")
	return strings.TrimSpace(r.Replace(caption))
}
