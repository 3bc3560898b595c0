package symbolize

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// IPResolver resolves a single instruction pointer to a Frame. *Cache
// satisfies it; tests use a fake.
type IPResolver interface {
	Resolve(ip uint64) Frame
}

// WriteFoldedStacks writes stacks in the de-facto flamegraph-input
// format: one line per distinct stack, frames joined by ';'
// with the outermost frame first and the innermost (leaf) frame last,
// followed by a space and the stack's occurrence count.
//
// stacks maps a stack id to its instruction pointers as collected by the
// unwinder, leaf first (ips[0] is where the sample was taken, the last
// element is the root frame). counts maps the same stack id to how many
// times it was observed. A stack id present in counts but missing from
// stacks is skipped, since it cannot be rendered.
func WriteFoldedStacks(w io.Writer, resolver IPResolver, stacks map[uint32][]uint64, counts map[uint32]uint64) error {
	ids := make([]uint32, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	bw := bufio.NewWriter(w)
	for _, id := range ids {
		ips, ok := stacks[id]
		if !ok {
			continue
		}

		frames := make([]string, len(ips))
		for i, ip := range ips {
			frames[len(ips)-1-i] = resolver.Resolve(ip).Symbol
		}

		if _, err := fmt.Fprintf(bw, "%s %d\n", strings.Join(frames, ";"), counts[id]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
