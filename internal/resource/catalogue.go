package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.yaml.in/yaml/v3"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// Catalogue is the on-disk resource configuration.
type Catalogue struct {
	Resources map[string]models.Resource `json:"resources" yaml:"resources"`
	UpdatedAt time.Time                  `json:"updated_at" yaml:"updated_at"`
}

// List returns the catalogue entries sorted by id, with ids filled from keys.
func (c *Catalogue) List() []models.Resource {
	ids := make([]string, 0, len(c.Resources))
	for id := range c.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]models.Resource, 0, len(ids))
	for _, id := range ids {
		r := c.Resources[id]
		if r.ID == "" {
			r.ID = id
		}
		out = append(out, r)
	}
	return out
}

// LoadCatalogue reads a JSON or YAML catalogue, chosen by file extension.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalogue
	if isYAML(path) {
		err = yaml.Unmarshal(data, &c)
	} else {
		err = json.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("parse resource config %s: %w", path, err)
	}
	for id, r := range c.Resources {
		if r.ID != "" && r.ID != id {
			return nil, fmt.Errorf("resource config %s: key %q does not match id %q", path, id, r.ID)
		}
	}
	return &c, nil
}

// LoadOrProbe loads the catalogue at path. A missing file, or an empty path,
// falls back to probed system defaults.
func LoadOrProbe(path string) ([]models.Resource, error) {
	if path != "" {
		c, err := LoadCatalogue(path)
		if err == nil {
			return c.List(), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return ProbeDefaults(), nil
}

// SaveCatalogue writes the definitions of resources to path, stamping
// updated_at. Runtime accounting is not persisted.
func SaveCatalogue(path string, resources []models.Resource) error {
	c := Catalogue{
		Resources: make(map[string]models.Resource, len(resources)),
		UpdatedAt: time.Now().UTC(),
	}
	for _, r := range resources {
		r.Allocated = nil
		r.Users = nil
		r.AllocationCount = 0
		r.UsageTime = 0
		r.Status = ""
		c.Resources[r.ID] = r
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(&c)
	} else {
		data, err = json.MarshalIndent(&c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode resource config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ProbeDefaults builds a catalogue from the host: CPU cores, memory and disk
// in gigabytes, plus a network link and an external API quota.
func ProbeDefaults() []models.Resource {
	cores := float64(runtime.NumCPU())
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		cores = float64(n)
	}

	memGB := 4.0
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		memGB = toGB(vm.Total)
	}

	diskGB := 50.0
	if du, err := disk.Usage(rootPath()); err == nil && du.Free > 0 {
		diskGB = toGB(du.Free)
	}

	return []models.Resource{
		{
			ID: "cpu", Name: "CPU cores", Type: models.ResourceCPU,
			Capacity: models.Quantity{"cores": cores},
		},
		{
			ID: "memory", Name: "System memory", Type: models.ResourceMemory,
			Capacity: models.Quantity{"gb": memGB},
			Limits:   models.ResourceLimits{MaxPerAllocation: models.Quantity{"gb": math.Max(1, memGB/2)}},
		},
		{
			ID: "disk", Name: "Free disk", Type: models.ResourceDisk,
			Capacity: models.Quantity{"gb": diskGB},
		},
		{
			ID: "network", Name: "Network bandwidth", Type: models.ResourceNetwork,
			Capacity: models.Quantity{"mbps": 1000},
		},
		{
			ID: "external_api", Name: "External API quota", Type: models.ResourceExternalAPI,
			Capacity: models.Quantity{"requests_per_minute": 60},
			Limits:   models.ResourceLimits{MaxConcurrentUsers: 10},
		},
	}
}

func toGB(b uint64) float64 {
	return math.Round(float64(b)/(1<<30)*10) / 10
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
