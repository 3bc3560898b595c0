package symbolize

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// kernelAddrStart is the lower bound of the kernel half of the x86_64
// canonical address space. Instruction pointers at or above it cannot
// belong to any user-space object and are resolved against kallsyms
// instead of the object registry.
const kernelAddrStart = 0xffff800000000000

// KernelSymbols resolves kernel-space instruction pointers against the
// /proc/kallsyms text-symbol table. Kernel stacks are captured by a
// kernel helper, not by the user-space unwinder, so this table only ever
// serves the reducer.
type KernelSymbols struct {
	syms []elfSymbol // sorted by value; sizes are always zero
}

// LoadKernelSymbols reads /proc/kallsyms. With kptr_restrict in effect
// the file is readable but every address is zero; that degrades to an
// empty table, never an error.
func LoadKernelSymbols() (*KernelSymbols, error) {
	return loadKernelSymbols("/proc/kallsyms")
}

func loadKernelSymbols(path string) (*KernelSymbols, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbolize: open %s: %w", path, err)
	}
	defer f.Close()

	var syms []elfSymbol
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// <hex addr> <type> <name> [module]
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		switch fields[1] {
		case "t", "T", "w", "W":
		default:
			continue // data/absolute symbols never own an instruction pointer
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil || addr == 0 {
			continue
		}
		name := fields[2]
		if len(fields) > 3 {
			name += " " + fields[3] // keep the [module] qualifier
		}
		syms = append(syms, elfSymbol{value: addr, name: name})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("symbolize: read %s: %w", path, err)
	}

	sort.Slice(syms, func(i, j int) bool { return syms[i].value < syms[j].value })
	return &KernelSymbols{syms: syms}, nil
}

// Resolve returns the text symbol containing ip, as symbol+offset.
// kallsyms carries no sizes, so each symbol covers every address up to
// the next one.
func (k *KernelSymbols) Resolve(ip uint64) Frame {
	n := len(k.syms)
	i := sort.Search(n, func(i int) bool { return k.syms[i].value > ip })
	if i == 0 {
		return Frame{Symbol: "[unknown]"}
	}
	sym := k.syms[i-1]
	name := sym.name
	if off := ip - sym.value; off != 0 {
		name = fmt.Sprintf("%s+%#x", name, off)
	}
	return Frame{Symbol: name}
}
