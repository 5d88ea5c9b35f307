package model

// Block types in a normalized document tree.
const (
	BlockText  = "text"
	BlockTable = "table"
	BlockImage = "image"
)

// Document is the engine-independent representation of a converted document:
// an ordered sequence of text, table and image blocks.
type Document struct {
	Blocks []Block
}

// Block is one element of the document sequence. The field matching Type is
// set; the others are zero.
type Block struct {
	Type  string
	Text  string
	Level int // 0 for body text, 1..6 for headings
	Table *Table
	Image *Image
}

// Table carries the cell grid plus the shape metadata the rendering policy
// decision is based on.
type Table struct {
	RowCount       int
	ColumnCount    int
	HasMergedCells bool
	Cells          []TableCell
}

// TableCell is one logical cell. Spans above 1 cover neighbouring grid
// positions; covered positions carry no cell of their own.
type TableCell struct {
	Text    string
	Row     int
	Col     int
	RowSpan int
	ColSpan int
}

// Image is an extracted image payload with its presentation caption. Format
// is the file extension including the dot, e.g. ".png".
type Image struct {
	Data    []byte
	Format  string
	Caption string
}

// ExportedImage is an image as persisted inside a task's package, under the
// generated collision-free filename the Markdown body references.
type ExportedImage struct {
	Filename string
	Data     []byte
}
