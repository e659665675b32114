// Package wasmbridge hosts the condition engine's wasm(plugin, fn)
// predicate bridge. The WASM plugin runtime itself (loading, sandboxing,
// host-function surface beyond this one boolean-predicate call) is an
// out-of-core collaborator (spec §1); this package only implements the
// calling contract the rule engine depends on.
package wasmbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/acteon-io/gateway/internal/contracts"
)

// Bridge hosts compiled WASM plugin modules and exposes each one's
// exported predicate functions to the rule engine.
type Bridge struct {
	runtime wazero.Runtime
	mu      sync.RWMutex
	plugins map[string]api.Module
}

func New(ctx context.Context) *Bridge {
	return &Bridge{
		runtime: wazero.NewRuntime(ctx),
		plugins: make(map[string]api.Module),
	}
}

// LoadPlugin instantiates a compiled WASM module under name, replacing
// any previously loaded module with the same name.
func (b *Bridge) LoadPlugin(ctx context.Context, name string, wasmBytes []byte) error {
	mod, err := b.runtime.InstantiateWithConfig(ctx, wasmBytes, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("wasmbridge: instantiate %s: %w", name, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.plugins[name]; ok {
		_ = old.Close(ctx)
	}
	b.plugins[name] = mod
	return nil
}

// Call invokes fn in the named plugin, passing the action as a JSON
// byte buffer written into the plugin's linear memory, and interprets
// the single i32 return value as a boolean (non-zero = true). This
// mirrors the narrow boolean-predicate contract the rule engine's
// condition tree requires (contracts.WasmCall).
func (b *Bridge) Call(ctx context.Context, plugin, fn string, action *contracts.Action) (bool, error) {
	b.mu.RLock()
	mod, ok := b.plugins[plugin]
	b.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("wasmbridge: plugin %q not loaded", plugin)
	}

	exported := mod.ExportedFunction(fn)
	if exported == nil {
		return false, fmt.Errorf("wasmbridge: plugin %q has no exported function %q", plugin, fn)
	}

	payload, err := json.Marshal(action)
	if err != nil {
		return false, fmt.Errorf("wasmbridge: marshal action: %w", err)
	}

	ptr, free, err := writeBuffer(ctx, mod, payload)
	if err != nil {
		return false, err
	}
	defer free()

	results, err := exported.Call(ctx, ptr, uint64(len(payload)))
	if err != nil {
		return false, fmt.Errorf("wasmbridge: call %s.%s: %w", plugin, fn, err)
	}
	if len(results) != 1 {
		return false, fmt.Errorf("wasmbridge: %s.%s must return exactly one i32", plugin, fn)
	}
	return results[0] != 0, nil
}

// writeBuffer allocates len(data) bytes in the module's memory via its
// exported "alloc" function (the plugin ABI this bridge expects) and
// copies data in, returning a free callback.
func writeBuffer(ctx context.Context, mod api.Module, data []byte) (uint64, func(), error) {
	alloc := mod.ExportedFunction("alloc")
	dealloc := mod.ExportedFunction("dealloc")
	if alloc == nil {
		return 0, nil, fmt.Errorf("wasmbridge: plugin missing required export %q", "alloc")
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, nil, fmt.Errorf("wasmbridge: alloc: %w", err)
	}
	ptr := res[0]
	if !mod.Memory().Write(uint32(ptr), data) {
		return 0, nil, fmt.Errorf("wasmbridge: write out of bounds")
	}
	free := func() {
		if dealloc != nil {
			_, _ = dealloc.Call(ctx, ptr, uint64(len(data)))
		}
	}
	return ptr, free, nil
}

func (b *Bridge) Close(ctx context.Context) error {
	return b.runtime.Close(ctx)
}
