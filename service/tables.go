package service

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/empire-tm/DoclingOCRServer/model"
)

// Shape bounds for pipe-table rendering under the auto policy.
const (
	maxMarkdownTableRows    = 10
	maxMarkdownTableColumns = 6
)

// ClassifyTable decides the rendering for one table. An explicit markdown or
// html policy is followed as-is; auto picks HTML for tables whose structure a
// pipe table cannot carry: merged cells, more than 10 rows, or more than 6
// columns. The same table always classifies the same way.
func ClassifyTable(table *model.Table, policy string) string {
	switch policy {
	case model.TableFormatMarkdown:
		return model.TableFormatMarkdown
	case model.TableFormatHTML:
		return model.TableFormatHTML
	}

	if table.HasMergedCells ||
		table.RowCount > maxMarkdownTableRows ||
		table.ColumnCount > maxMarkdownTableColumns {
		return model.TableFormatHTML
	}
	return model.TableFormatMarkdown
}

// tableShape returns the grid dimensions, extending the declared counts when
// a cell (plus its spans) reaches past them.
func tableShape(t *model.Table) (rows, cols int) {
	rows, cols = t.RowCount, t.ColumnCount
	for _, c := range t.Cells {
		rs, cs := c.RowSpan, c.ColSpan
		if rs < 1 {
			rs = 1
		}
		if cs < 1 {
			cs = 1
		}
		if c.Row+rs > rows {
			rows = c.Row + rs
		}
		if c.Col+cs > cols {
			cols = c.Col + cs
		}
	}
	return rows, cols
}

// renderMarkdownTable renders a pipe table. The first row is the header.
// Merged spans collapse into their anchor cell; covered positions render
// empty. Cells outside the declared shape are ignored.
func renderMarkdownTable(t *model.Table) string {
	rows, cols := tableShape(t)
	if rows == 0 || cols == 0 {
		return ""
	}

	grid := make([][]string, rows)
	for i := range grid {
		grid[i] = make([]string, cols)
	}
	for _, c := range t.Cells {
		if c.Row < 0 || c.Row >= rows || c.Col < 0 || c.Col >= cols {
			continue
		}
		grid[c.Row][c.Col] = markdownCellText(c.Text)
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for _, cell := range cells {
			b.WriteString(" ")
			b.WriteString(cell)
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}

	writeRow(grid[0])
	b.WriteString("|")
	for i := 0; i < cols; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range grid[1:] {
		writeRow(row)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// markdownCellText flattens a cell value into one pipe-safe line.
func markdownCellText(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.TrimSpace(s)
}

// renderHTMLTable renders a table element with rowspan/colspan attributes, so
// merged regions survive the export.
func renderHTMLTable(t *model.Table) string {
	rows, _ := tableShape(t)
	if rows == 0 {
		return ""
	}

	byRow := make(map[int][]model.TableCell)
	for _, c := range t.Cells {
		byRow[c.Row] = append(byRow[c.Row], c)
	}
	for _, cells := range byRow {
		sort.Slice(cells, func(i, j int) bool { return cells[i].Col < cells[j].Col })
	}

	var b strings.Builder
	b.WriteString("<table>\n")
	for r := 0; r < rows; r++ {
		b.WriteString("<tr>")
		for _, c := range byRow[r] {
			b.WriteString("<td")
			if c.RowSpan > 1 {
				fmt.Fprintf(&b, " rowspan=\"%d\"", c.RowSpan)
			}
			if c.ColSpan > 1 {
				fmt.Fprintf(&b, " colspan=\"%d\"", c.ColSpan)
			}
			b.WriteString(">")
			b.WriteString(html.EscapeString(c.Text))
			b.WriteString("</td>")
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</table>")
	return b.String()
}
