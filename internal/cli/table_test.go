package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
)

func TestTableAlignsWideRunes(t *testing.T) {
	tb := newTable("ID", "NOTE")
	tb.add("日本", "wide")
	tb.add("ab", "narrow")

	var buf bytes.Buffer
	tb.write(&buf)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), buf.String())
	}

	// the second column starts at the same display offset on every line
	col := func(line, cell string) int {
		return runewidth.StringWidth(line[:strings.Index(line, cell)])
	}
	if a, b, c := col(lines[0], "NOTE"), col(lines[1], "wide"), col(lines[2], "narrow"); a != b || b != c {
		t.Errorf("column offsets %d %d %d differ:\n%s", a, b, c, buf.String())
	}
}

func TestTableTruncatesLongCells(t *testing.T) {
	tb := newTable("REASON")
	tb.add(strings.Repeat("x", 100))
	if w := runewidth.StringWidth(tb.rows[0][0]); w > maxCellWidth {
		t.Errorf("cell width = %d, want <= %d", w, maxCellWidth)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
