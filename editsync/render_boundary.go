package editsync

// Boundary contracts implemented by the rendering layer. The sync core
// holds no UI references; it only calls through these interfaces when the
// owner hands them over.

// Bounds is the on-screen rectangle of a rendered cell.
type Bounds struct {
	X      int
	Y      int
	Width  int
	Height int
}

// CellRegistry is the rendering layer's registry of mounted cells, keyed by
// CellAddress. It replaces ad hoc per-cell element references: the core can
// request imperative focus or measurement without knowing how cells render.
type CellRegistry interface {
	// Focus moves UI focus to the cell. Returns false if the cell is not
	// mounted.
	Focus(address CellAddress) bool
	// Bounds reports the cell's rectangle. Returns false if the cell is
	// not mounted.
	Bounds(address CellAddress) (Bounds, bool)
}

// FormatCommands is the typed capability set a rich-text cell exposes to a
// toolbar. Formatting is entirely a rendering concern; the sync core never
// calls these and only defines the contract so both layers agree on it.
type FormatCommands interface {
	ApplyBold()
	ApplyItalic()
	ApplyUnderline()
	ApplyStrike()
}
