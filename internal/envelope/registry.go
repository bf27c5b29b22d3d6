package envelope

import "fmt"

// registry is the process-wide table of available kernels, keyed by
// Kernel.Name(). Grounded on contrib/scorer.go's plugin-registration
// pattern: built-in kernels register themselves at package init time
// via RegisterKernel, so the runtime loop only ever selects a kernel
// by its configured name.
var registry = map[string]Kernel{}

// RegisterKernel adds a kernel to the registry under its own Name().
// Panics on a duplicate name: this only happens at package init time,
// so a collision is a programming error, not a runtime condition.
func RegisterKernel(k Kernel) {
	name := k.Name()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("envelope: duplicate kernel registration: %s", name))
	}
	registry[name] = k
}

// Lookup returns the registered kernel for name, or an error if none
// is registered — the caller (runtime startup) should treat this as a
// configuration error, not something to fall back silently from.
func Lookup(name string) (Kernel, error) {
	k, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("envelope: no kernel registered for %q", name)
	}
	return k, nil
}

func init() {
	RegisterKernel(NewMockKernel())
	RegisterKernel(NewMCLocalKernel())
}
