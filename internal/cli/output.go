// Package cli provides the command-line interface for the execution engine.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

type style int

const (
	stylePlain style = iota - 1
	styleGood
	styleBad
	styleWarn
	styleNote
	styleStrong
	styleMuted
)

var palette = map[style]*color.Color{
	styleGood:   color.New(color.FgGreen),
	styleBad:    color.New(color.FgRed),
	styleWarn:   color.New(color.FgYellow),
	styleNote:   color.New(color.FgCyan),
	styleStrong: color.New(color.Bold),
	styleMuted:  color.New(color.Faint),
}

// Output writes either human-readable text or JSON to the command's stdout.
// Color is only used on a terminal and never in JSON mode.
type Output struct {
	w        io.Writer
	jsonMode bool
	colored  bool
}

// NewOutput reads the --json flag from cmd.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	w := cmd.OutOrStdout()
	return &Output{
		w:        w,
		jsonMode: jsonMode,
		colored:  !jsonMode && !color.NoColor && onTerminal(w),
	}
}

func onTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON writes v indented.
func (o *Output) JSON(v interface{}) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.w, args...)
}

func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.w, format, args...)
}

func (o *Output) Success(format string, args ...interface{}) { o.say(styleGood, format, args...) }
func (o *Output) Error(format string, args ...interface{})   { o.say(styleBad, format, args...) }
func (o *Output) Warning(format string, args ...interface{}) { o.say(styleWarn, format, args...) }
func (o *Output) Info(format string, args ...interface{})    { o.say(styleNote, format, args...) }
func (o *Output) Bold(format string, args ...interface{})    { o.say(styleStrong, format, args...) }
func (o *Output) Dim(format string, args ...interface{})     { o.say(styleMuted, format, args...) }

func (o *Output) say(s style, format string, args ...interface{}) {
	fmt.Fprintln(o.w, o.tint(s, fmt.Sprintf(format, args...)))
}

func (o *Output) tint(s style, text string) string {
	if !o.colored {
		return text
	}
	c := palette[s]
	c.EnableColor()
	return c.Sprint(text)
}

func (o *Output) Green(text string) string { return o.tint(styleGood, text) }
func (o *Output) Red(text string) string   { return o.tint(styleBad, text) }

// Signed colors text green for gains and red for losses.
func (o *Output) Signed(v float64, text string) string {
	switch {
	case v > 0:
		return o.Green(text)
	case v < 0:
		return o.Red(text)
	}
	return text
}

// Table buffers rows and prints them as aligned columns. Cells may already
// carry color; alignment ignores escape sequences.
type Table struct {
	out     *Output
	headers []string
	rows    [][]string
}

func NewTable(out *Output, headers ...string) *Table {
	return &Table{out: out, headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render prints the header, a rule and every row. Cells past the header
// count are dropped.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}
	widths := t.widths()

	t.print(t.headers, widths, styleStrong)
	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("-", w)
	}
	t.out.Println(t.out.tint(styleMuted, strings.Join(rule, "  ")))
	for _, row := range t.rows {
		t.print(row, widths, stylePlain)
	}
}

func (t *Table) widths() []int {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], visibleLen(row[i]))
		}
	}
	return widths
}

func (t *Table) print(cells []string, widths []int, s style) {
	parts := make([]string, 0, len(widths))
	for i := 0; i < len(cells) && i < len(widths); i++ {
		cell := cells[i] + strings.Repeat(" ", max(0, widths[i]-visibleLen(cells[i])))
		if s != stylePlain {
			cell = t.out.tint(s, cell)
		}
		parts = append(parts, cell)
	}
	t.out.Println(strings.Join(parts, "  "))
}

// visibleLen counts runes outside SGR escape sequences.
func visibleLen(s string) int {
	n := 0
	for len(s) > 0 {
		if s[0] == '\x1b' {
			end := strings.IndexByte(s, 'm')
			if end < 0 {
				break
			}
			s = s[end+1:]
			continue
		}
		_, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		n++
	}
	return n
}
