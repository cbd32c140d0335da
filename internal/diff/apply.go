package diff

import "github.com/roach88/chronicle/internal/ir"

// Apply returns snapshot with delta applied: each field takes its New value,
// and fields whose New is Absent are removed. The input is not modified.
//
// Apply(Snapshot(N-1), Delta(N)) == Snapshot(N) holds for every stored version.
func Apply(snapshot ir.Fields, delta ir.Delta) ir.Fields {
	out := snapshot.Clone()
	for name, ch := range delta {
		if _, removed := ch.New.(ir.Absent); removed {
			delete(out, name)
			continue
		}
		out[name] = ch.New
	}
	return out
}

// Compose merges consecutive deltas into one net delta.
//
// For each field the first Old and the last New are kept. Fields whose
// composed Old equals the composed New are dropped, so a value that changed
// and changed back does not appear.
func Compose(deltas ...ir.Delta) ir.Delta {
	out := make(ir.Delta)
	for _, d := range deltas {
		for name, ch := range d {
			if prev, ok := out[name]; ok {
				prev.New = ch.New
				out[name] = prev
				continue
			}
			out[name] = ch
		}
	}
	for name, ch := range out {
		if Equal(ch.Old, ch.New) {
			delete(out, name)
		}
	}
	return out
}
