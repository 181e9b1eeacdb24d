// Package runner loads a module, binds its functions by name, pushes
// a frame for the chosen entry point, and drives the interpreter to
// completion.
package runner

import (
	"os"

	"github.com/alkvm-lang/alkvm/loader"
	"github.com/alkvm-lang/alkvm/vm"
)

// DefaultEntry is the entry function name used when none is given.
const DefaultEntry = "main"

// Run loads path into vmInstance, resolves the entry function (default
// "main"), pushes its frame with the sentinel return-pc/return-dst the
// outermost frame always carries, copies args into R[0..], and drives
// the interpreter. It returns the entry function's return value.
func Run(vmInstance *vm.VM, path, entry string, args []vm.Value) (vm.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return vm.Nil, vm.NewLoadError("reading module file "+path, err)
	}
	return RunBytes(vmInstance, data, entry, args)
}

// RunBytes is Run without the file-read step, for embedders and tests
// that already hold the module bytes in memory.
func RunBytes(vmInstance *vm.VM, data []byte, entry string, args []vm.Value) (vm.Value, error) {
	mod, err := loader.Load(data, vmInstance.Heap)
	if err != nil {
		return vm.Nil, err
	}

	if entry == "" {
		entry = DefaultEntry
	}

	// last-writer-wins on name collision
	for _, fn := range mod.Functions {
		vmInstance.Functions[fn.Name] = fn
	}

	fn, ok := vmInstance.Functions[entry]
	if !ok {
		return vm.Nil, vm.NewLinkError("entry function %q not found", entry)
	}

	return vmInstance.Call(fn, args)
}
