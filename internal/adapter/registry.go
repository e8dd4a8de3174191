package adapter

import (
	"fmt"
	"sync"

	"github.com/hivechat/hivechat/internal/config"
)

// builtinSpecs maps well-known agent CLI type names to their invocation.
// The "generic" type takes its command from the agent declaration and is
// resolved in New.
var builtinSpecs = map[string]Spec{
	"claude":   {Command: "claude", Args: []string{"-p", "--output-format", "text"}},
	"codex":    {Command: "codex", Args: []string{"exec"}},
	"gemini":   {Command: "gemini", Args: []string{"-p"}, PromptViaArg: true},
	"opencode": {Command: "opencode", Args: []string{"run"}},
}

// Registry maps adapter type names to constructors. It is built at startup
// and passed by reference; there is no package-level instance. Unknown
// built-in types fall through to the user-declared custom adapter table.
type Registry struct {
	mu     sync.RWMutex
	custom map[string]config.CustomAdapter
	limits Limits
}

// NewRegistry builds a registry over the user-declared adapter table.
func NewRegistry(custom map[string]config.CustomAdapter, limits Limits) *Registry {
	tbl := make(map[string]config.CustomAdapter, len(custom))
	for k, v := range custom {
		tbl[k] = v
	}
	return &Registry{custom: tbl, limits: limits}
}

// Reload swaps the custom adapter table; used by the config watcher.
// Adapters already constructed keep their old spec.
func (r *Registry) Reload(custom map[string]config.CustomAdapter) {
	tbl := make(map[string]config.CustomAdapter, len(custom))
	for k, v := range custom {
		tbl[k] = v
	}
	r.mu.Lock()
	r.custom = tbl
	r.mu.Unlock()
}

// Options tune a single adapter instance beyond its type spec.
type Options struct {
	WorkingDir string
	// Command overrides the spec command; required for type "generic".
	Command string
	Args    []string
}

// New constructs an adapter for a type name. Resolution order: "generic"
// (command from opts), built-in table, custom table. Both unknown cases
// fail with a descriptive error rather than defaulting silently.
func (r *Registry) New(typeName string, opts Options) (*ProcessAdapter, error) {
	var spec Spec

	switch {
	case typeName == "generic":
		spec = Spec{Command: opts.Command, Args: opts.Args}
	default:
		if builtin, ok := builtinSpecs[typeName]; ok {
			spec = builtin
			break
		}
		r.mu.RLock()
		custom, ok := r.custom[typeName]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q (not built in, not declared in config)", ErrUnknownType, typeName)
		}
		spec = Spec{
			Command:      custom.Command,
			Args:         append([]string(nil), custom.Args...),
			Env:          custom.Env,
			PromptViaArg: custom.PromptViaArg,
		}
	}

	spec.WorkingDir = opts.WorkingDir
	if opts.Command != "" && typeName != "generic" {
		// Per-agent command override of a known type is not allowed; the
		// type's spec is authoritative.
		return nil, fmt.Errorf("%w: command override only valid for type \"generic\"", ErrBadCommand)
	}

	return NewProcessAdapter(typeName, spec, r.limits)
}
