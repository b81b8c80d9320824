package resource

import (
	"fmt"
	"time"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// UsageSnapshot is a read-only utilisation report for one resource.
type UsageSnapshot struct {
	ResourceID      string                `json:"resource_id"`
	Name            string                `json:"name"`
	Type            models.ResourceType   `json:"type"`
	Capacity        models.Quantity       `json:"capacity"`
	Allocated       models.Quantity       `json:"allocated"`
	Ratio           float64               `json:"ratio"`
	Users           []string              `json:"users"`
	Status          models.ResourceStatus `json:"status"`
	AllocationCount int64                 `json:"allocation_count"`
	UsageTime       time.Duration         `json:"usage_time"`
}

// Health is the result of checking one resource's invariants.
type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues,omitempty"`
}

// Usage reports utilisation of one resource, or of all resources when id is empty.
func (m *Manager) Usage(resourceID string) ([]UsageSnapshot, error) {
	var resources []models.Resource
	if resourceID == "" {
		resources = m.Resources()
	} else {
		r, ok := m.Resource(resourceID)
		if !ok {
			return nil, models.NewError(models.KindNotFound, "resource.usage", "resource %s not found", resourceID)
		}
		resources = []models.Resource{r}
	}

	out := make([]UsageSnapshot, 0, len(resources))
	for _, r := range resources {
		out = append(out, UsageSnapshot{
			ResourceID:      r.ID,
			Name:            r.Name,
			Type:            r.Type,
			Capacity:        r.Capacity,
			Allocated:       r.Allocated,
			Ratio:           r.Allocated.Ratio(r.Capacity),
			Users:           r.Users,
			Status:          r.Status,
			AllocationCount: r.AllocationCount,
			UsageTime:       r.UsageTime,
		})
	}
	return out, nil
}

// HealthCheck flags resources whose invariants are violated: over-allocation,
// too many users, incompatible access modes held together, and grants held
// past the resource's timeout.
func (m *Manager) HealthCheck() map[string]Health {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Health, len(m.resources))
	for id, e := range m.resources {
		e.mu.Lock()
		out[id] = e.health(now)
		e.mu.Unlock()
	}
	return out
}

func (e *entry) health(now time.Time) Health {
	var issues []string
	for unit, v := range e.res.Allocated {
		max, ok := e.res.Capacity[unit]
		switch {
		case !ok && v > 0:
			issues = append(issues, fmt.Sprintf("allocated %s %g without capacity", unit, v))
		case ok && v > max:
			issues = append(issues, fmt.Sprintf("over-allocated: %s %g > %g", unit, v, max))
		}
	}
	users := e.users()
	if max := e.res.Limits.MaxConcurrentUsers; max > 0 && len(users) > max {
		issues = append(issues, fmt.Sprintf("%d users exceeds limit %d", len(users), max))
	}

	var readers, writers, exclusive int
	for _, h := range e.holders {
		switch h.mode {
		case models.AccessExclusive:
			exclusive++
		case models.AccessWrite:
			writers++
		default:
			readers++
		}
		if t := e.res.Limits.Timeout.Std(); t > 0 && now.Sub(h.since) > t {
			issues = append(issues, fmt.Sprintf("stale allocation %s held by %s for %s", h.allocationID, h.requesterID, now.Sub(h.since).Round(time.Second)))
		}
	}
	if exclusive > 0 && len(e.holders) > 1 {
		issues = append(issues, "exclusive grant shared with other holders")
	}
	if writers > 1 || (writers > 0 && readers > 0) {
		issues = append(issues, "write grant shared with other holders")
	}

	return Health{Healthy: len(issues) == 0, Issues: issues}
}
