// Package highlight keeps at most one table cell visually marked "selected"
// in the external document editor. The editor is opaque: the coordinator only
// sees a selection range, a cell background color, a read-only flag, and a
// scroll offset, and it must hand all of them back exactly as it found them.
package highlight

import (
	"fmt"
	"log"
	"strings"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/stage"
)

// EmptyBackground is the editor's sentinel for a cell with no fill.
const EmptyBackground = "empty"

// Editor is the surface of the external rich-text editor the coordinator
// drives. Implementations wrap the real component; tests use a fake.
type Editor interface {
	// Ready reports whether the editor has pages and a live selection.
	Ready() bool
	// SelectionStart and SelectionEnd are structural cell indices such as
	// "0;0;1;0;0;12". The final two segments address a position inside the
	// cell; the leading segments address the cell itself.
	SelectionStart() string
	SelectionEnd() string
	Select(start, end string) error
	CellBackground() string
	SetCellBackground(color string) error
	ReadOnly() bool
	SetReadOnly(readOnly bool)
	ScrollOffset() float64
	SetScrollOffset(offset float64)
}

// Coordinator is a two-state machine: Idle (no recorded cell) or Highlighted
// (exactly one cell tinted, original color stored). Single-writer: one
// session, one user, no locking beyond the state itself.
type Coordinator struct {
	editor            Editor
	previousCellIndex string
	previousCellColor string
}

func New(editor Editor) *Coordinator {
	return &Coordinator{editor: editor}
}

// Highlighted reports whether a cell is currently recorded as selected.
func (c *Coordinator) Highlighted() bool {
	return c.previousCellIndex != ""
}

// SameCell reports whether two structural indices address the same table
// cell. The last two segments denote intra-cell position and are ignored.
func SameCell(start, end string) bool {
	a := strings.Split(start, ";")
	b := strings.Split(end, ";")
	if len(a) != len(b) || len(a) < 3 {
		return false
	}
	for i := 0; i < len(a)-2; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Select records cellIndex as the selected cell and tints it with the
// stage-specific color. Any previously highlighted cell is restored first, so
// two cells are never tinted at once. A selection spanning more than one cell
// is not a valid highlight target and leaves the coordinator Idle.
func (c *Coordinator) Select(cellIndex string, docStage stage.Stage) error {
	if err := c.Deselect(); err != nil {
		return err
	}

	start := c.editor.SelectionStart()
	end := c.editor.SelectionEnd()
	if !SameCell(start, end) {
		return nil
	}

	color := c.editor.CellBackground()
	if _, already := stage.SelectedPalette[color]; already {
		// Double-tinting would destroy the stored original color.
		return nil
	}

	c.previousCellIndex = cellIndex
	c.previousCellColor = color

	origStart, origEnd := start, end
	origScroll := c.editor.ScrollOffset()

	err := c.withEditSession(func() error {
		if err := c.editor.SetCellBackground(docStage.HighlightTint()); err != nil {
			return fmt.Errorf("tint cell %s: %w", cellIndex, err)
		}
		if err := c.editor.Select(origStart, origEnd); err != nil {
			return fmt.Errorf("restore selection: %w", err)
		}
		c.editor.SetScrollOffset(origScroll)
		return nil
	})
	if err != nil {
		// The state must never stay Highlighted when the tint may not have
		// landed; the color mutation is best-effort, the cleanup is not.
		c.previousCellIndex = ""
		c.previousCellColor = ""
		return err
	}
	return nil
}

// Deselect restores the previously highlighted cell and returns to Idle.
// No-op when Idle. A not-ready editor is logged and swallowed: the state is
// cleared regardless, and read-only is restored best-effort.
func (c *Coordinator) Deselect() error {
	if !c.Highlighted() {
		return nil
	}

	cellIndex := c.previousCellIndex
	cellColor := c.previousCellColor
	c.previousCellIndex = ""
	c.previousCellColor = ""

	if !c.editor.Ready() {
		log.Printf("highlight: editor not ready, dropping highlight on %s", cellIndex)
		c.editor.SetReadOnly(true)
		return nil
	}

	origStart := c.editor.SelectionStart()
	origEnd := c.editor.SelectionEnd()
	origScroll := c.editor.ScrollOffset()

	return c.withEditSession(func() error {
		if err := c.editor.Select(cellIndex, cellIndex); err != nil {
			return fmt.Errorf("select cell %s: %w", cellIndex, err)
		}
		if err := c.editor.SetCellBackground(cellColor); err != nil {
			return fmt.Errorf("restore cell color: %w", err)
		}
		if err := c.editor.Select(origStart, origEnd); err != nil {
			return fmt.Errorf("restore selection: %w", err)
		}
		c.editor.SetScrollOffset(origScroll)
		return nil
	})
}

// withEditSession drops the editor's read-only flag around a mutation and
// guarantees it comes back on every exit path, then flushes the layout cache.
func (c *Coordinator) withEditSession(fn func() error) error {
	c.editor.SetReadOnly(false)
	defer func() {
		c.editor.SetReadOnly(true)
		flushLayoutCache(c.editor)
	}()
	return fn()
}

// flushLayoutCache forces the editor to recompute its internal coordinates
// after a background mutation. The editor caches layout until a
// layout-affecting property is read, so two dummy reads stand in for a real
// reflow trigger.
func flushLayoutCache(editor Editor) {
	_ = editor.ScrollOffset()
	_ = editor.Ready()
}
