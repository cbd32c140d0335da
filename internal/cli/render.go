package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/chronicle/internal/ir"
)

// palette styles text output. Colors are dropped automatically when the
// writer is not a terminal.
type palette struct {
	header  lipgloss.Style
	muted   lipgloss.Style
	removed lipgloss.Style
	added   lipgloss.Style
	ops     map[ir.Operation]lipgloss.Style
}

func newPalette(w io.Writer) palette {
	r := lipgloss.NewRenderer(w)
	return palette{
		header:  r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(lipgloss.Color("241")),
		removed: r.NewStyle().Foreground(lipgloss.Color("#E74C3C")),
		added:   r.NewStyle().Foreground(lipgloss.Color("#2CD7C7")),
		ops: map[ir.Operation]lipgloss.Style{
			ir.OpCreate: r.NewStyle().Foreground(lipgloss.Color("#2CD7C7")),
			ir.OpUpdate: r.NewStyle().Foreground(lipgloss.Color("#F4D03F")),
			ir.OpDelete: r.NewStyle().Foreground(lipgloss.Color("#E74C3C")),
		},
	}
}

func (p palette) op(op ir.Operation) string {
	return p.ops[op].Render(fmt.Sprintf("%-6s", op))
}

// delta renders "field: old -> new" pairs, one per line, with indent.
func (p palette) delta(w io.Writer, indent string, d ir.Delta) {
	if len(d) == 0 {
		fmt.Fprintf(w, "%s%s\n", indent, p.muted.Render("(no changes)"))
		return
	}
	for _, name := range d.SortedKeys() {
		ch := d[name]
		fmt.Fprintf(w, "%s%s: %s -> %s\n", indent, name,
			p.removed.Render(ir.Format(ch.Old)), p.added.Render(ir.Format(ch.New)))
	}
}

func (p palette) fields(w io.Writer, indent string, f ir.Fields) {
	for _, name := range f.SortedKeys() {
		fmt.Fprintf(w, "%s%s = %s\n", indent, name, ir.Format(f[name]))
	}
}

func (p palette) transaction(w io.Writer, txn ir.Transaction) {
	fmt.Fprintf(w, "%s  %s", p.header.Render(fmt.Sprintf("tx %d", txn.ID)), txn.IssuedAt.UTC().Format("2006-01-02T15:04:05.000000Z"))
	if txn.Actor != "" {
		fmt.Fprintf(w, "  actor=%s", txn.Actor)
	}
	if txn.RemoteAddr != "" {
		fmt.Fprintf(w, "  remote=%s", txn.RemoteAddr)
	}
	if len(txn.EntityTypes) > 0 {
		fmt.Fprintf(w, "  %s", p.muted.Render(strings.Join(txn.EntityTypes, ",")))
	}
	fmt.Fprintln(w)
}

func sortedMetadata(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}
