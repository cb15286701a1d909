package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

const maxCellWidth = 40

// table lays out rows in aligned columns by display width, so node IDs and
// reasons with wide runes do not skew the grid.
type table struct {
	header []string
	rows   [][]string
}

func newTable(header ...string) *table {
	return &table{header: header}
}

func (t *table) add(cells ...string) {
	for i, c := range cells {
		cells[i] = runewidth.Truncate(c, maxCellWidth, "…")
	}
	t.rows = append(t.rows, cells)
}

func (t *table) widths() []int {
	w := make([]int, len(t.header))
	for i, h := range t.header {
		w[i] = runewidth.StringWidth(h)
	}
	for _, r := range t.rows {
		for i, c := range r {
			if i < len(w) {
				w[i] = max(w[i], runewidth.StringWidth(c))
			}
		}
	}
	return w
}

func (t *table) write(out io.Writer) {
	w := t.widths()
	line := func(cells []string) {
		parts := make([]string, len(w))
		for i := range w {
			var c string
			if i < len(cells) {
				c = cells[i]
			}
			if i == len(w)-1 {
				parts[i] = c
			} else {
				parts[i] = runewidth.FillRight(c, w[i])
			}
		}
		fmt.Fprintln(out, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(t.header)
	for _, r := range t.rows {
		line(r)
	}
}
