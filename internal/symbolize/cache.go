package symbolize

import (
	"sync"

	"github.com/tripwire/flamewalk/internal/objreg"
)

// Cache turns raw instruction pointers (target virtual addresses) into
// Frames, keeping one resolver alive per object for the life of a
// session. Nothing persists across sessions; Cache is built fresh at
// session start and discarded at teardown along with everything else.
type Cache struct {
	reg *objreg.Registry

	mu        sync.Mutex
	resolvers map[objreg.ObjectID]*resolver
	failed    map[objreg.ObjectID]bool

	kernelOnce sync.Once
	kernel     *KernelSymbols // nil if kallsyms was unreadable
}

// NewCache creates a Cache backed by reg. reg is read, never written.
func NewCache(reg *objreg.Registry) *Cache {
	return &Cache{
		reg:       reg,
		resolvers: make(map[objreg.ObjectID]*resolver),
		failed:    make(map[objreg.ObjectID]bool),
	}
}

// Resolve resolves one target virtual address to a Frame. An address
// outside every registered object's range, one inside a non-regular
// object (vDSO, vsyscall) or an object that cannot be opened, or one that
// neither the object's line table nor its symbol table covers (a fully
// stripped binary, for instance), resolves to "[unknown]".
func (c *Cache) Resolve(ip uint64) Frame {
	if ip >= kernelAddrStart {
		return c.resolveKernel(ip)
	}

	id, rpc, ok := c.reg.LookupByVaddr(ip)
	if !ok {
		return Frame{Symbol: "[unknown]"}
	}

	r := c.resolverFor(id)
	if r == nil {
		return Frame{Symbol: "[unknown]"}
	}
	return r.Resolve(rpc)
}

// resolveKernel resolves an address in the kernel half of the canonical
// address space (a kernel-stack frame captured by the kernel helper)
// against /proc/kallsyms, loaded lazily on the first such address.
func (c *Cache) resolveKernel(ip uint64) Frame {
	c.kernelOnce.Do(func() {
		if k, err := LoadKernelSymbols(); err == nil {
			c.kernel = k
		}
	})
	if c.kernel == nil {
		return Frame{Symbol: "[unknown]"}
	}
	return c.kernel.Resolve(ip)
}

// resolverFor returns the cached resolver for id, building and caching
// one on first use. A build failure is cached too, so a broken object is
// not re-opened on every sample that lands in it.
func (c *Cache) resolverFor(id objreg.ObjectID) *resolver {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.resolvers[id]; ok {
		return r
	}
	if c.failed[id] {
		return nil
	}

	obj := c.reg.Object(id)
	if obj == nil || obj.Kind != objreg.KindRegular {
		c.failed[id] = true
		return nil
	}

	r, err := newResolver(obj.Path)
	if err != nil {
		c.failed[id] = true
		return nil
	}
	c.resolvers[id] = r
	return r
}
