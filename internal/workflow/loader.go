package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// ParseFile reads one workflow definition from a .json, .yaml or .yml file.
func ParseFile(path string) (models.Workflow, error) {
	var wf models.Workflow
	data, err := os.ReadFile(path)
	if err != nil {
		return wf, fmt.Errorf("read workflow %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &wf)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &wf)
	default:
		return wf, fmt.Errorf("workflow %s: unsupported extension", path)
	}
	if err != nil {
		return wf, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if wf.Name == "" {
		base := filepath.Base(path)
		wf.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return wf, nil
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

// LoadFromDirectory defines every workflow file found directly in dir. A bad
// file does not stop the others from loading; all failures are returned
// together. Returns the number of workflows defined.
func (m *Manager) LoadFromDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read workflow dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var (
		loaded int
		errs   error
	)
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() || !isDefinitionFile(path) {
			continue
		}
		if err := m.loadFile(path); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		loaded++
	}
	m.logger.Infow("workflow directory loaded", "dir", dir, "loaded", loaded, "failed", len(multierr.Errors(errs)))
	return loaded, errs
}

func (m *Manager) loadFile(path string) error {
	wf, err := ParseFile(path)
	if err != nil {
		return err
	}
	if err := m.Define(wf); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	m.mu.Lock()
	if prev, ok := m.sources[path]; ok && prev != wf.Name {
		// The file was renamed internally; drop the old definition.
		delete(m.workflows, prev)
	}
	m.sources[path] = wf.Name
	m.mu.Unlock()
	return nil
}

// unloadFile removes the workflow a deleted file had defined.
func (m *Manager) unloadFile(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.sources[path]
	if !ok {
		return "", false
	}
	delete(m.sources, path)
	for _, other := range m.sources {
		if other == name {
			// Another file still defines it.
			return name, false
		}
	}
	delete(m.workflows, name)
	return name, true
}

// SaveDefinition writes the named workflow to dir as <name>.yaml, replacing
// any existing file atomically.
func (m *Manager) SaveDefinition(dir, name string) (string, error) {
	wf, ok := m.Get(name)
	if !ok {
		return "", models.NewError(models.KindNotFound, "workflow.save", "workflow %s not found", name)
	}
	data, err := yaml.Marshal(&wf)
	if err != nil {
		return "", fmt.Errorf("marshal workflow %s: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create workflow dir: %w", err)
	}

	path := filepath.Join(dir, name+".yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write workflow %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write workflow %s: %w", name, err)
	}

	m.mu.Lock()
	m.sources[path] = name
	m.mu.Unlock()
	return path, nil
}
