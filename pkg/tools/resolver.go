package tools

import (
	"os"
	"sort"

	"github.com/ethchange/taskrunner/pkg/config"
	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/logging"
)

// ResolvedTool is a reference to an external executable. A missing tool only exists in
// permissive mode and fails on first use.
type ResolvedTool struct {
	Name    string
	Path    string
	Missing bool
}

// Require returns the tool path, or a launch failure for a tool that was missing at resolution
func (t ResolvedTool) Require() (string, error) {
	if t.Missing {
		return "", errors.NewLaunchFailureError("tool was not found at resolution time", nil).
			WithContext("tool", t.Name)
	}
	return t.Path, nil
}

type Resolver struct {
	mode   config.ToolMode
	logger logging.Logger
}

func NewResolver(mode config.ToolMode, logger logging.Logger) *Resolver {
	return &Resolver{mode: mode, logger: logger}
}

func (r *Resolver) Mode() config.ToolMode {
	return r.mode
}

// Resolve validates that path exists. In strict mode a missing path is a ToolNotFound error;
// in permissive mode the tool is returned with Missing set and an empty path.
func (r *Resolver) Resolve(name, path string) (ResolvedTool, error) {
	return r.resolve(name, path, r.mode)
}

func (r *Resolver) resolve(name, path string, mode config.ToolMode) (ResolvedTool, error) {
	if name == "" {
		return ResolvedTool{}, errors.NewValidationError("tool name cannot be empty", nil)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			r.logger.Debugf("Resolved tool, name: %s, path: %s", name, path)
			return ResolvedTool{Name: name, Path: path}, nil
		}
	}

	if mode == config.ToolModePermissive {
		r.logger.Warnf("Tool not found, deferring failure to first use, name: %s, path: %s", name, path)
		return ResolvedTool{Name: name, Missing: true}, nil
	}

	return ResolvedTool{}, errors.NewToolNotFoundError("required tool is missing", nil).
		WithContext("tool", name).
		WithContext("path", path)
}

// ResolveAll resolves the declared tool set in name order. Optional tools are always
// resolved permissively.
func (r *Resolver) ResolveAll(declared map[string]config.ToolSettings) (*Toolset, error) {
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	toolset := &Toolset{tools: make(map[string]ResolvedTool, len(declared))}
	for _, name := range names {
		tool := declared[name]
		mode := r.mode
		if tool.Optional {
			mode = config.ToolModePermissive
		}

		resolved, err := r.resolve(name, tool.Path, mode)
		if err != nil {
			return nil, err
		}
		toolset.tools[name] = resolved
	}
	return toolset, nil
}

// Toolset is the set of tools resolved for one run
type Toolset struct {
	tools map[string]ResolvedTool
}

func NewToolset(tools ...ResolvedTool) *Toolset {
	ts := &Toolset{tools: make(map[string]ResolvedTool, len(tools))}
	for _, t := range tools {
		ts.tools[t.Name] = t
	}
	return ts
}

// Get returns the named tool; undeclared tools are reported as missing
func (ts *Toolset) Get(name string) ResolvedTool {
	if t, ok := ts.tools[name]; ok {
		return t
	}
	return ResolvedTool{Name: name, Missing: true}
}

// Path is Get(name).Require()
func (ts *Toolset) Path(name string) (string, error) {
	return ts.Get(name).Require()
}

func (ts *Toolset) Missing() []string {
	var missing []string
	for name, t := range ts.tools {
		if t.Missing {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
