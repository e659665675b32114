package chain

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/acteon-io/gateway/internal/contracts"
)

// defFile is the on-disk YAML shape: a top-level list of chain
// definitions, mirroring ruleengine.FileSource's ruleFile convention.
type defFile struct {
	Chains []contracts.ChainDef `yaml:"chains"`
}

// Registry holds validated chain definitions keyed by name.
type Registry struct {
	defs map[string]contracts.ChainDef
}

// LoadDir reads every *.yaml/*.yml file under dir, determines each
// step's Kind, and validates the whole set as a DAG of sub-chain
// references (spec §4.5 "Cycle rejection").
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("chain: read dir %s: %w", dir, err)
	}

	defs := make(map[string]contracts.ChainDef)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("chain: read %s: %w", path, err)
		}
		var f defFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("chain: parse %s: %w", path, err)
		}
		for _, def := range f.Chains {
			defs[def.Name] = def
		}
	}

	return NewRegistry(defs)
}

// NewRegistry classifies each step's Kind and validates the set
// in-memory (used directly by tests without touching the filesystem).
func NewRegistry(defs map[string]contracts.ChainDef) (*Registry, error) {
	classified := make(map[string]contracts.ChainDef, len(defs))
	for name, def := range defs {
		cd, err := classify(def)
		if err != nil {
			return nil, err
		}
		classified[name] = cd
	}

	r := &Registry{defs: classified}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func classify(def contracts.ChainDef) (contracts.ChainDef, error) {
	for i, step := range def.Steps {
		count := 0
		if step.Provider != "" {
			count++
			step.Kind = contracts.StepProvider
		}
		if step.SubChain != "" {
			count++
			step.Kind = contracts.StepSubChain
		}
		if step.Parallel != nil {
			count++
			step.Kind = contracts.StepParallel
		}
		if count != 1 {
			return def, fmt.Errorf("chain %q step %q: exactly one of provider|sub_chain|parallel must be set, got %d", def.Name, step.Name, count)
		}
		if step.OnFailure == "" {
			step.OnFailure = contracts.FailureAbort
		}
		def.Steps[i] = step
	}
	return def, nil
}

// Get returns a validated chain definition by name.
func (r *Registry) Get(name string) (contracts.ChainDef, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// validate checks step-name references (branches, default_next,
// parallel.steps) resolve within their own chain, and that sub_chain
// references form a DAG with no self-reference or cycle.
func (r *Registry) validate() error {
	for name, def := range r.defs {
		index := stepIndex(def)
		for _, step := range def.Steps {
			for _, branch := range step.Branches {
				if _, ok := index[branch.Target]; !ok {
					return fmt.Errorf("chain %q step %q: branch target %q not found", name, step.Name, branch.Target)
				}
			}
			if step.DefaultNext != "" {
				if _, ok := index[step.DefaultNext]; !ok {
					return fmt.Errorf("chain %q step %q: default_next %q not found", name, step.Name, step.DefaultNext)
				}
			}
			if step.Parallel != nil {
				for _, sub := range step.Parallel.Steps {
					if _, ok := index[sub]; !ok {
						return fmt.Errorf("chain %q parallel step %q: sub-step %q not found", name, step.Name, sub)
					}
				}
			}
			if step.Kind == contracts.StepSubChain {
				if step.SubChain == name {
					return fmt.Errorf("chain %q step %q: self-referential sub_chain", name, step.Name)
				}
			}
		}
	}
	return r.checkAcyclicSubChains()
}

func stepIndex(def contracts.ChainDef) map[string]int {
	idx := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		idx[s.Name] = i
	}
	return idx
}

func (r *Registry) checkAcyclicSubChains() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.defs))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("chain: sub-chain cycle detected: %v -> %s", path, name)
		}
		color[name] = gray
		def, ok := r.defs[name]
		if ok {
			for _, step := range def.Steps {
				if step.Kind == contracts.StepSubChain {
					if err := visit(step.SubChain, append(path, name)); err != nil {
						return err
					}
				}
			}
		}
		color[name] = black
		return nil
	}
	for name := range r.defs {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}
