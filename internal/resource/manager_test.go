package resource

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

func setupTestManager(t *testing.T, resources ...models.Resource) *Manager {
	t.Helper()
	m, err := NewManager(resources, WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func cpuResource(id string, cores float64) models.Resource {
	return models.Resource{ID: id, Type: models.ResourceCPU, Capacity: models.Quantity{"cores": cores}}
}

func TestAllocate_AllOrNothing(t *testing.T) {
	m := setupTestManager(t,
		cpuResource("cpu", 4),
		models.Resource{ID: "gpu", Type: models.ResourceGPU, Capacity: models.Quantity{"units": 1}},
	)

	// Exhaust the GPU.
	if _, err := m.Allocate("holder", []models.ResourceRequirement{{ResourceID: "gpu", Quantity: models.Quantity{"units": 1}}}); err != nil {
		t.Fatalf("Allocate gpu: %v", err)
	}

	_, err := m.Allocate("t1", []models.ResourceRequirement{
		{Type: models.ResourceCPU, Quantity: models.Quantity{"cores": 2}},
		{ResourceID: "gpu", Quantity: models.Quantity{"units": 1}},
	})
	if !errors.Is(err, models.ErrResourceDenied) {
		t.Fatalf("Allocate spanning exhausted resource: err = %v, want ResourceDenied", err)
	}

	cpu, _ := m.Resource("cpu")
	if cpu.Allocated["cores"] != 0 {
		t.Errorf("cpu allocated = %v after denied request, want 0", cpu.Allocated["cores"])
	}
	if len(cpu.Users) != 0 {
		t.Errorf("cpu users = %v after denied request, want none", cpu.Users)
	}
}

func TestAllocate_LeastUtilised(t *testing.T) {
	m := setupTestManager(t, cpuResource("cpu-a", 4), cpuResource("cpu-b", 4))
	req := []models.ResourceRequirement{{Type: models.ResourceCPU, Quantity: models.Quantity{"cores": 1}}}

	a1, err := m.Allocate("t1", req)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a2, err := m.Allocate("t2", req)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a1.Grants[0].ResourceID == a2.Grants[0].ResourceID {
		t.Errorf("both allocations landed on %s, want spread across resources", a1.Grants[0].ResourceID)
	}
}

func TestAllocate_Limits(t *testing.T) {
	m := setupTestManager(t, models.Resource{
		ID:       "api",
		Type:     models.ResourceExternalAPI,
		Capacity: models.Quantity{"requests_per_minute": 100},
		Limits: models.ResourceLimits{
			MaxPerAllocation:   models.Quantity{"requests_per_minute": 10},
			MaxConcurrentUsers: 1,
		},
	})

	_, err := m.Allocate("big", []models.ResourceRequirement{{ResourceID: "api", Quantity: models.Quantity{"requests_per_minute": 20}}})
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("over per-allocation limit: err = %v, want ErrUnsatisfiable", err)
	}

	req := []models.ResourceRequirement{{ResourceID: "api", Quantity: models.Quantity{"requests_per_minute": 5}}}
	if _, err := m.Allocate("u1", req); err != nil {
		t.Fatalf("first user: %v", err)
	}
	if _, err := m.Allocate("u2", req); !errors.Is(err, models.ErrResourceDenied) {
		t.Errorf("second user beyond max concurrent users: err = %v", err)
	}
	if _, err := m.Allocate("u1", req); err != nil {
		t.Errorf("same user second grant should be allowed: %v", err)
	}
}

func TestAllocate_UndeclaredUnitRejected(t *testing.T) {
	m := setupTestManager(t, cpuResource("cpu0", 4))

	_, err := m.Allocate("ra", []models.ResourceRequirement{{Type: models.ResourceCPU, Quantity: models.Quantity{"core": 1000}}})
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("by type: err = %v, want ErrUnsatisfiable", err)
	}
	_, err = m.Allocate("rb", []models.ResourceRequirement{{ResourceID: "cpu0", Quantity: models.Quantity{"core": 1000}}})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("by id: err = %v, want validation error", err)
	}
	_, err = m.AllocateWait(context.Background(), "rc", []models.ResourceRequirement{{Type: models.ResourceCPU, Quantity: models.Quantity{"core": 1}}})
	if err == nil {
		t.Error("AllocateWait granted an undeclared unit")
	}

	cpu, _ := m.Resource("cpu0")
	if _, ok := cpu.Allocated["core"]; ok || cpu.Allocated["cores"] != 0 || len(cpu.Users) != 0 {
		t.Errorf("cpu0 after rejected requests: allocated=%v users=%v", cpu.Allocated, cpu.Users)
	}
}

func TestAllocate_AccessModes(t *testing.T) {
	tests := []struct {
		name  string
		held  models.AccessMode
		want  models.AccessMode
		allow bool
	}{
		{"read with read", models.AccessRead, models.AccessRead, true},
		{"write with read", models.AccessRead, models.AccessWrite, false},
		{"read with write", models.AccessWrite, models.AccessRead, false},
		{"write with write", models.AccessWrite, models.AccessWrite, false},
		{"read with exclusive", models.AccessExclusive, models.AccessRead, false},
		{"exclusive with read", models.AccessRead, models.AccessExclusive, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := setupTestManager(t, models.Resource{ID: "db", Type: models.ResourceDatabase, Capacity: models.Quantity{"connections": 10}})
			q := models.Quantity{"connections": 1}
			if _, err := m.Allocate("a", []models.ResourceRequirement{{ResourceID: "db", Quantity: q, Mode: tt.held}}); err != nil {
				t.Fatalf("first allocate: %v", err)
			}
			_, err := m.Allocate("b", []models.ResourceRequirement{{ResourceID: "db", Quantity: q, Mode: tt.want}})
			if (err == nil) != tt.allow {
				t.Errorf("second allocate err = %v, allow = %v", err, tt.allow)
			}
		})
	}
}

func TestRelease_Idempotent(t *testing.T) {
	m := setupTestManager(t, cpuResource("cpu", 2))
	a, err := m.Allocate("t1", []models.ResourceRequirement{{ResourceID: "cpu", Quantity: models.Quantity{"cores": 2}}})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if n := m.Release("t1", a.ID); n != 1 {
		t.Errorf("Release = %d, want 1", n)
	}
	if n := m.Release("t1", a.ID); n != 0 {
		t.Errorf("second Release = %d, want 0", n)
	}
	r, _ := m.Resource("cpu")
	if r.Allocated["cores"] != 0 || r.Status != models.ResourceAvailable {
		t.Errorf("after release: allocated=%v status=%s", r.Allocated, r.Status)
	}
	if r.AllocationCount != 1 {
		t.Errorf("AllocationCount = %d, want 1", r.AllocationCount)
	}
}

func TestRelease_AllForRequester(t *testing.T) {
	m := setupTestManager(t, cpuResource("cpu", 4))
	req := []models.ResourceRequirement{{ResourceID: "cpu", Quantity: models.Quantity{"cores": 1}}}
	for i := 0; i < 3; i++ {
		if _, err := m.Allocate("t1", req); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
	}
	if _, err := m.Allocate("t2", req); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if n := m.Release("t1", "*"); n != 3 {
		t.Errorf("Release(*) = %d, want 3", n)
	}
	r, _ := m.Resource("cpu")
	if r.Allocated["cores"] != 1 || len(r.Users) != 1 || r.Users[0] != "t2" {
		t.Errorf("after wildcard release: allocated=%v users=%v", r.Allocated, r.Users)
	}
}

func TestReleaseOwner(t *testing.T) {
	m := setupTestManager(t, cpuResource("cpu", 4), models.Resource{ID: "mem", Type: models.ResourceMemory, Capacity: models.Quantity{"gb": 8}})
	if _, err := m.Allocate("t1", []models.ResourceRequirement{{ResourceID: "cpu", Quantity: models.Quantity{"cores": 1}}}, WithOwner("s1")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Allocate("t2", []models.ResourceRequirement{{ResourceID: "mem", Quantity: models.Quantity{"gb": 1}}}, WithOwner("s1")); err != nil {
		t.Fatal(err)
	}
	if n := m.ReleaseOwner("s1"); n != 2 {
		t.Errorf("ReleaseOwner = %d, want 2", n)
	}
	for _, r := range m.Resources() {
		if len(r.Users) != 0 {
			t.Errorf("resource %s still has users %v", r.ID, r.Users)
		}
	}
}

func TestAllocate_ConcurrentCapacityInvariant(t *testing.T) {
	m := setupTestManager(t, cpuResource("cpu-a", 5), cpuResource("cpu-b", 3))

	var wg sync.WaitGroup
	var violations sync.Map
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 200; i++ {
				req := []models.ResourceRequirement{{Type: models.ResourceCPU, Quantity: models.Quantity{"cores": float64(1 + rng.Intn(3))}}}
				a, err := m.Allocate(fmt.Sprintf("w%d-%d", w, i), req)
				for _, r := range m.Resources() {
					if r.Allocated["cores"] > r.Capacity["cores"] {
						violations.Store(r.ID, r.Allocated["cores"])
					}
				}
				if err == nil {
					m.Release(a.RequesterID, a.ID)
				}
			}
		}(w)
	}
	wg.Wait()

	violations.Range(func(k, v any) bool {
		t.Errorf("resource %v over-allocated: %v", k, v)
		return true
	})
	for id, h := range m.HealthCheck() {
		if !h.Healthy {
			t.Errorf("resource %s unhealthy: %v", id, h.Issues)
		}
	}
	for _, r := range m.Resources() {
		if r.Allocated["cores"] != 0 {
			t.Errorf("resource %s allocated = %v after all releases", r.ID, r.Allocated["cores"])
		}
	}
}

func TestAllocateWait(t *testing.T) {
	m := setupTestManager(t, cpuResource("cpu", 1))
	req := []models.ResourceRequirement{{ResourceID: "cpu", Quantity: models.Quantity{"cores": 1}}}
	held, err := m.Allocate("first", req)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Release("first", held.ID)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.AllocateWait(ctx, "second", req); err != nil {
		t.Fatalf("AllocateWait: %v", err)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, err := m.AllocateWait(short, "third", req); !errors.Is(err, models.ErrResourceDenied) {
		t.Errorf("AllocateWait on saturated resource: err = %v", err)
	}

	tooBig := []models.ResourceRequirement{{ResourceID: "cpu", Quantity: models.Quantity{"cores": 8}}}
	if _, err := m.AllocateWait(context.Background(), "fourth", tooBig); !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("AllocateWait beyond capacity should fail fast, got %v", err)
	}
}

func TestHealthCheck_StaleAllocation(t *testing.T) {
	now := time.Now()
	m, err := NewManager([]models.Resource{{
		ID: "cpu", Type: models.ResourceCPU, Capacity: models.Quantity{"cores": 1},
		Limits: models.ResourceLimits{Timeout: models.Duration(time.Minute)},
	}}, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Allocate("t1", []models.ResourceRequirement{{ResourceID: "cpu", Quantity: models.Quantity{"cores": 1}}}); err != nil {
		t.Fatal(err)
	}
	if h := m.HealthCheck()["cpu"]; !h.Healthy {
		t.Fatalf("fresh allocation flagged: %v", h.Issues)
	}
	now = now.Add(2 * time.Minute)
	if h := m.HealthCheck()["cpu"]; h.Healthy {
		t.Error("allocation held past timeout should be flagged stale")
	}
}

func TestRemoveResource_RequiresNoUsers(t *testing.T) {
	m := setupTestManager(t, cpuResource("cpu", 1))
	a, _ := m.Allocate("t1", []models.ResourceRequirement{{ResourceID: "cpu", Quantity: models.Quantity{"cores": 1}}})
	if err := m.RemoveResource("cpu"); err == nil {
		t.Error("RemoveResource with active users should fail")
	}
	m.Release("t1", a.ID)
	if err := m.RemoveResource("cpu"); err != nil {
		t.Errorf("RemoveResource: %v", err)
	}
	if _, err := m.Usage("cpu"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Usage of removed resource: %v", err)
	}
}

func TestCatalogue_RoundTrip(t *testing.T) {
	for _, name := range []string{"resources.json", "resources.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			in := []models.Resource{
				cpuResource("cpu", 8),
				{ID: "db", Name: "Postgres pool", Type: models.ResourceDatabase, Capacity: models.Quantity{"connections": 20},
					Limits: models.ResourceLimits{MaxConcurrentUsers: 5}},
			}
			if err := SaveCatalogue(path, in); err != nil {
				t.Fatalf("SaveCatalogue: %v", err)
			}
			c, err := LoadCatalogue(path)
			if err != nil {
				t.Fatalf("LoadCatalogue: %v", err)
			}
			if c.UpdatedAt.IsZero() {
				t.Error("updated_at not stamped")
			}
			got := c.List()
			if len(got) != 2 || got[0].ID != "cpu" || got[1].Limits.MaxConcurrentUsers != 5 {
				t.Errorf("round trip = %+v", got)
			}
		})
	}
}

func TestLoadOrProbe_MissingFile(t *testing.T) {
	res, err := LoadOrProbe(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadOrProbe: %v", err)
	}
	if len(res) == 0 {
		t.Fatal("expected probed defaults")
	}
	if _, err := NewManager(res); err != nil {
		t.Errorf("probed defaults are not a valid catalogue: %v", err)
	}
}
