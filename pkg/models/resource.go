package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ResourceType is the kind of capacity a resource provides.
type ResourceType string

const (
	ResourceCPU         ResourceType = "cpu"
	ResourceMemory      ResourceType = "memory"
	ResourceDisk        ResourceType = "disk"
	ResourceNetwork     ResourceType = "network"
	ResourceExternalAPI ResourceType = "external_api"
	ResourceGPU         ResourceType = "gpu"
	ResourceDatabase    ResourceType = "database"
)

// Valid returns true if the type is a known value.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceCPU, ResourceMemory, ResourceDisk, ResourceNetwork,
		ResourceExternalAPI, ResourceGPU, ResourceDatabase:
		return true
	default:
		return false
	}
}

// ResourceStatus reports whether a resource can accept new allocations.
type ResourceStatus string

const (
	ResourceAvailable   ResourceStatus = "available"
	ResourceExhausted   ResourceStatus = "exhausted"
	ResourceUnavailable ResourceStatus = "unavailable"
)

// AccessMode controls how a grant shares a resource with other users.
type AccessMode string

const (
	// AccessRead may be shared with other readers.
	AccessRead AccessMode = "read"
	// AccessWrite excludes readers and other writers.
	AccessWrite AccessMode = "write"
	// AccessExclusive excludes every other user.
	AccessExclusive AccessMode = "exclusive"
)

// Valid returns true if the mode is a known value. The empty mode is read.
func (m AccessMode) Valid() bool {
	switch m {
	case "", AccessRead, AccessWrite, AccessExclusive:
		return true
	default:
		return false
	}
}

// Quantity maps a unit name (cores, bytes, requests_per_minute) to an amount.
type Quantity map[string]float64

// Clone returns an independent copy.
func (q Quantity) Clone() Quantity {
	if q == nil {
		return nil
	}
	out := make(Quantity, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

// Fits reports whether q can be added to used without exceeding limit.
// A unit absent from limit has no room at all.
func (q Quantity) Fits(used, limit Quantity) bool {
	for unit, amount := range q {
		max, ok := limit[unit]
		if !ok || used[unit]+amount > max {
			return false
		}
	}
	return true
}

// Ratio returns the highest used/capacity ratio across units.
func (q Quantity) Ratio(capacity Quantity) float64 {
	var worst float64
	for unit, max := range capacity {
		if max <= 0 {
			continue
		}
		if r := q[unit] / max; r > worst {
			worst = r
		}
	}
	return worst
}

// String renders the quantity with sorted units.
func (q Quantity) String() string {
	units := make([]string, 0, len(q))
	for unit := range q {
		units = append(units, unit)
	}
	sort.Strings(units)
	parts := make([]string, 0, len(units))
	for _, unit := range units {
		parts = append(parts, fmt.Sprintf("%s=%g", unit, q[unit]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ResourceLimits bounds how a resource may be shared.
type ResourceLimits struct {
	// MaxPerAllocation caps a single grant. Units absent are unlimited.
	MaxPerAllocation Quantity `json:"max_per_allocation,omitempty" yaml:"max_per_allocation,omitempty"`
	// MaxConcurrentUsers caps distinct holders. Zero means unlimited.
	MaxConcurrentUsers int `json:"max_concurrent_users,omitempty" yaml:"max_concurrent_users,omitempty"`
	// Timeout marks grants held longer than this as stale. Zero disables.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Resource is a finite, typed capacity shared by tasks.
type Resource struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name" yaml:"name"`
	Type            ResourceType   `json:"type" yaml:"type"`
	Capacity        Quantity       `json:"capacity" yaml:"capacity"`
	Allocated       Quantity       `json:"allocated,omitempty" yaml:"allocated,omitempty"`
	Limits          ResourceLimits `json:"limits,omitempty" yaml:"limits,omitempty"`
	Status          ResourceStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Users           []string       `json:"users,omitempty" yaml:"users,omitempty"`
	AllocationCount int64          `json:"allocation_count,omitempty" yaml:"allocation_count,omitempty"`
	UsageTime       time.Duration  `json:"usage_time,omitempty" yaml:"usage_time,omitempty"`
}

// Validate checks the static definition of a resource.
func (r *Resource) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("resource id is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("resource %s: unknown type %q", r.ID, r.Type)
	}
	if len(r.Capacity) == 0 {
		return fmt.Errorf("resource %s: capacity is required", r.ID)
	}
	for unit, v := range r.Capacity {
		if v < 0 {
			return fmt.Errorf("resource %s: negative capacity for %s", r.ID, unit)
		}
	}
	if r.Limits.MaxConcurrentUsers < 0 {
		return fmt.Errorf("resource %s: max_concurrent_users must be >= 0", r.ID)
	}
	return nil
}

// ResourceRequirement is one entry of a task's resource needs.
type ResourceRequirement struct {
	// Type selects any resource of this type when ResourceID is empty.
	Type ResourceType `json:"type" yaml:"type"`
	// ResourceID pins the requirement to one resource.
	ResourceID string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	// Quantity is the amount to reserve.
	Quantity Quantity `json:"quantity,omitempty" yaml:"quantity,omitempty"`
	// Mode is the access mode; empty means read.
	Mode AccessMode `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// Clone returns an independent copy.
func (r ResourceRequirement) Clone() ResourceRequirement {
	r.Quantity = r.Quantity.Clone()
	return r
}

// Validate checks that the requirement names a valid type or resource.
func (r ResourceRequirement) Validate() error {
	if r.ResourceID == "" && !r.Type.Valid() {
		return fmt.Errorf("resource requirement: unknown type %q", r.Type)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("resource requirement: unknown access mode %q", r.Mode)
	}
	for unit, v := range r.Quantity {
		if v < 0 {
			return fmt.Errorf("resource requirement: negative quantity for %s", unit)
		}
	}
	return nil
}
