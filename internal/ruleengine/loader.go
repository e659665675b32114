package ruleengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/acteon-io/gateway/internal/contracts"
)

// ruleFile is the on-disk YAML shape: a top-level list under "rules".
type ruleFile struct {
	Rules []contracts.Rule `yaml:"rules"`
}

// FileSource implements the rule-source interface (spec §6):
// load_all() and watch() for hot reload, backed by a directory of YAML
// files.
type FileSource struct {
	dir string
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// LoadAll reads every *.yaml/*.yml file in the source directory and
// concatenates their rule lists.
func (s *FileSource) LoadAll() ([]contracts.Rule, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("ruleengine: read rule dir %s: %w", s.dir, err)
	}

	var rules []contracts.Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ruleengine: read %s: %w", path, err)
		}
		var f ruleFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("ruleengine: parse %s: %w", path, err)
		}
		rules = append(rules, f.Rules...)
	}
	return rules, nil
}

// Watch starts an fsnotify watcher on the source directory and calls
// onChange (typically Engine.Reload composed with LoadAll) whenever a
// rule file is written, created, removed, or renamed. It returns once
// ctx is cancelled.
func (s *FileSource) Watch(ctx context.Context, onChange func([]contracts.Rule) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ruleengine: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("ruleengine: watch %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rules, err := s.LoadAll()
			if err != nil {
				continue
			}
			if err := onChange(rules); err != nil {
				continue
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
