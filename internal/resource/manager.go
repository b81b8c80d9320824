// Package resource tracks a catalogue of finite, typed resources and grants
// allocations against it.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docxology/codomyrmex-sub001/internal/logging"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// ErrUnsatisfiable marks a denial that no amount of waiting can fix: the
// request exceeds a capacity or a per-allocation limit, or nothing matches.
var ErrUnsatisfiable = errors.New("request can never be satisfied")

// Grant is one resource reserved by an allocation.
type Grant struct {
	ResourceID string            `json:"resource_id"`
	Quantity   models.Quantity   `json:"quantity"`
	Mode       models.AccessMode `json:"mode"`
}

// Allocation is the handle returned by Allocate.
type Allocation struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	Owner       string    `json:"owner,omitempty"`
	Grants      []Grant   `json:"grants"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResourceIDs returns the ids of every granted resource.
func (a *Allocation) ResourceIDs() []string {
	ids := make([]string, len(a.Grants))
	for i, g := range a.Grants {
		ids[i] = g.ResourceID
	}
	return ids
}

// holder is one live grant on an entry.
type holder struct {
	allocationID string
	requesterID  string
	quantity     models.Quantity
	mode         models.AccessMode
	since        time.Time
}

// entry guards one resource with its own mutex.
type entry struct {
	mu      sync.Mutex
	res     models.Resource
	holders map[string]*holder
}

// Manager grants and revokes allocations over a resource catalogue.
type Manager struct {
	// mu guards the catalogue map. Entry locks are always taken after it,
	// in lexicographic id order.
	mu        sync.RWMutex
	resources map[string]*entry

	// allocMu guards the allocation index. Never held while taking entry locks.
	allocMu     sync.Mutex
	allocations map[string]*Allocation

	logger       *zap.SugaredLogger
	pollInterval time.Duration
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithPollInterval sets how often AllocateWait retries a denied request.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager over the given resources.
func NewManager(resources []models.Resource, opts ...Option) (*Manager, error) {
	m := &Manager{
		resources:    make(map[string]*entry),
		allocations:  make(map[string]*Allocation),
		logger:       logging.Nop(),
		pollInterval: 50 * time.Millisecond,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, r := range resources {
		if err := m.AddResource(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AllocateOption configures a single Allocate call.
type AllocateOption func(*allocateOptions)

type allocateOptions struct {
	owner string
}

// WithOwner tags the allocation so ReleaseOwner can sweep it.
func WithOwner(owner string) AllocateOption {
	return func(o *allocateOptions) { o.owner = owner }
}

// AddResource registers a resource. Runtime fields are reset.
func (m *Manager) AddResource(r models.Resource) error {
	if err := r.Validate(); err != nil {
		return models.WrapError(models.KindValidation, "resource.add", err)
	}
	r.Capacity = r.Capacity.Clone()
	r.Allocated = make(models.Quantity, len(r.Capacity))
	r.Limits.MaxPerAllocation = r.Limits.MaxPerAllocation.Clone()
	r.Users = nil
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Status != models.ResourceUnavailable {
		r.Status = models.ResourceAvailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.resources[r.ID]; exists {
		return models.NewError(models.KindValidation, "resource.add", "resource %s already exists", r.ID)
	}
	m.resources[r.ID] = &entry{res: r, holders: make(map[string]*holder)}
	m.logger.Debugw("resource added", logging.KeyResource, r.ID, "type", r.Type, "capacity", r.Capacity.String())
	return nil
}

// RemoveResource deletes a resource that has no current users.
func (m *Manager) RemoveResource(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.resources[id]
	if !ok {
		return models.NewError(models.KindNotFound, "resource.remove", "resource %s not found", id)
	}
	e.mu.Lock()
	busy := len(e.holders)
	e.mu.Unlock()
	if busy > 0 {
		return models.NewError(models.KindValidation, "resource.remove", "resource %s has %d active allocations", id, busy)
	}
	delete(m.resources, id)
	return nil
}

// SetStatus marks a resource available or unavailable.
func (m *Manager) SetStatus(id string, status models.ResourceStatus) error {
	m.mu.RLock()
	e, ok := m.resources[id]
	m.mu.RUnlock()
	if !ok {
		return models.NewError(models.KindNotFound, "resource.status", "resource %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if status == models.ResourceUnavailable {
		e.res.Status = models.ResourceUnavailable
	} else {
		e.res.Status = models.ResourceAvailable
		e.refreshStatus()
	}
	return nil
}

// Resources returns a snapshot of every resource sorted by id.
func (m *Manager) Resources() []models.Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Resource, 0, len(m.resources))
	for _, id := range m.sortedIDsLocked() {
		e := m.resources[id]
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	return out
}

// Resource returns a snapshot of one resource.
func (m *Manager) Resource(id string) (models.Resource, bool) {
	m.mu.RLock()
	e, ok := m.resources[id]
	m.mu.RUnlock()
	if !ok {
		return models.Resource{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// Allocate reserves every requirement or nothing. Each requirement picks the
// least-utilised matching resource that can take the request. On denial no
// reservation made by this call remains and the error is ResourceDenied.
func (m *Manager) Allocate(requesterID string, reqs []models.ResourceRequirement, opts ...AllocateOption) (*Allocation, error) {
	const op = "resource.allocate"
	if requesterID == "" {
		return nil, models.NewError(models.KindValidation, op, "requester id is required")
	}
	var o allocateOptions
	for _, opt := range opts {
		opt(&o)
	}
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			return nil, models.WrapError(models.KindValidation, op, err)
		}
	}

	alloc := &Allocation{
		ID:          uuid.New().String(),
		RequesterID: requesterID,
		Owner:       o.owner,
		CreatedAt:   m.now(),
	}
	if len(reqs) == 0 {
		return alloc, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([][]*entry, len(reqs))
	lockSet := make(map[string]*entry)
	for i, r := range reqs {
		cands := m.candidatesLocked(r)
		if len(cands) == 0 {
			return nil, m.deny(op, requesterID, fmt.Errorf("no resource matches %s: %w", describe(r), ErrUnsatisfiable))
		}
		if r.ResourceID != "" {
			if unit, ok := unknownUnit(r.Quantity, cands[0].res.Capacity); ok {
				return nil, models.NewError(models.KindValidation, op, "resource %s has no %q capacity", r.ResourceID, unit)
			}
		}
		candidates[i] = cands
		for _, e := range cands {
			lockSet[e.res.ID] = e
		}
	}

	ordered := make([]string, 0, len(lockSet))
	for id := range lockSet {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)
	for _, id := range ordered {
		lockSet[id].mu.Lock()
	}
	defer func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			lockSet[ordered[i]].mu.Unlock()
		}
	}()

	// Plan every requirement before touching shared state. pending tracks
	// what this call has taken so far so two requirements landing on one
	// resource are checked together. A denial discards the plan.
	pending := make(map[string]*holder)
	for i, r := range reqs {
		e, reason := pickLocked(candidates[i], r, requesterID, pending)
		if e == nil {
			return nil, m.deny(op, requesterID, reason)
		}
		h, ok := pending[e.res.ID]
		if !ok {
			h = &holder{
				allocationID: alloc.ID,
				requesterID:  requesterID,
				quantity:     make(models.Quantity),
				mode:         normalizeMode(r.Mode),
				since:        alloc.CreatedAt,
			}
			pending[e.res.ID] = h
		} else if modeRank(normalizeMode(r.Mode)) > modeRank(h.mode) {
			h.mode = normalizeMode(r.Mode)
		}
		for unit, v := range r.Quantity {
			h.quantity[unit] += v
		}
	}

	for _, id := range ordered {
		h, ok := pending[id]
		if !ok {
			continue
		}
		e := lockSet[id]
		for unit, v := range h.quantity {
			e.res.Allocated[unit] += v
		}
		e.holders[alloc.ID] = h
		e.res.AllocationCount++
		e.refreshStatus()
		alloc.Grants = append(alloc.Grants, Grant{ResourceID: id, Quantity: h.quantity.Clone(), Mode: h.mode})
	}

	m.allocMu.Lock()
	m.allocations[alloc.ID] = alloc
	m.allocMu.Unlock()

	m.logger.Debugw("resources allocated", "requester", requesterID, "allocation", alloc.ID, logging.KeyResource, alloc.ResourceIDs())
	return alloc, nil
}

// AllocateWait retries Allocate until it succeeds, fails for a reason other
// than contention, or ctx is done.
func (m *Manager) AllocateWait(ctx context.Context, requesterID string, reqs []models.ResourceRequirement, opts ...AllocateOption) (*Allocation, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		alloc, err := m.Allocate(requesterID, reqs, opts...)
		if err == nil {
			return alloc, nil
		}
		if !errors.Is(err, models.ErrResourceDenied) || errors.Is(err, ErrUnsatisfiable) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, models.WrapError(models.KindResourceDenied, "resource.allocate_wait", fmt.Errorf("%v: %w", err, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// Release frees one allocation, or every allocation of the requester when
// allocationID is empty or "*". Releasing something already free is a no-op.
func (m *Manager) Release(requesterID, allocationID string) int {
	m.allocMu.Lock()
	var victims []*Allocation
	if allocationID == "" || allocationID == "*" {
		for id, a := range m.allocations {
			if a.RequesterID == requesterID {
				victims = append(victims, a)
				delete(m.allocations, id)
			}
		}
	} else if a, ok := m.allocations[allocationID]; ok && (requesterID == "" || a.RequesterID == requesterID) {
		victims = append(victims, a)
		delete(m.allocations, allocationID)
	}
	m.allocMu.Unlock()

	for _, a := range victims {
		m.free(a)
	}
	return len(victims)
}

// ReleaseOwner frees every allocation tagged with owner.
func (m *Manager) ReleaseOwner(owner string) int {
	if owner == "" {
		return 0
	}
	m.allocMu.Lock()
	var victims []*Allocation
	for id, a := range m.allocations {
		if a.Owner == owner {
			victims = append(victims, a)
			delete(m.allocations, id)
		}
	}
	m.allocMu.Unlock()

	for _, a := range victims {
		m.free(a)
	}
	if len(victims) > 0 {
		m.logger.Debugw("owner allocations released", logging.KeySession, owner, "count", len(victims))
	}
	return len(victims)
}

// Allocations returns the live allocations, optionally filtered by owner.
func (m *Manager) Allocations(owner string) []*Allocation {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	var out []*Allocation
	for _, a := range m.allocations {
		if owner == "" || a.Owner == owner {
			c := *a
			c.Grants = append([]Grant(nil), a.Grants...)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) free(a *Allocation) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range a.Grants {
		e, ok := m.resources[g.ResourceID]
		if !ok {
			continue
		}
		e.mu.Lock()
		if h, ok := e.holders[a.ID]; ok {
			for unit, v := range h.quantity {
				e.res.Allocated[unit] -= v
				if e.res.Allocated[unit] < 0 {
					e.res.Allocated[unit] = 0
				}
			}
			e.res.UsageTime += now.Sub(h.since)
			delete(e.holders, a.ID)
			e.refreshStatus()
		}
		e.mu.Unlock()
	}
	m.logger.Debugw("resources released", "requester", a.RequesterID, "allocation", a.ID)
}

func (m *Manager) deny(op, requesterID string, reason error) error {
	m.logger.Debugw("allocation denied", "requester", requesterID, "reason", reason)
	return models.WrapError(models.KindResourceDenied, op, reason)
}

func (m *Manager) candidatesLocked(r models.ResourceRequirement) []*entry {
	if r.ResourceID != "" {
		if e, ok := m.resources[r.ResourceID]; ok {
			return []*entry{e}
		}
		return nil
	}
	var out []*entry
	for _, e := range m.resources {
		if e.res.Type == r.Type {
			out = append(out, e)
		}
	}
	return out
}

// unknownUnit returns the first unit of q, in sorted order, that capacity
// does not declare.
func unknownUnit(q, capacity models.Quantity) (string, bool) {
	units := make([]string, 0, len(q))
	for unit := range q {
		if _, ok := capacity[unit]; !ok {
			units = append(units, unit)
		}
	}
	if len(units) == 0 {
		return "", false
	}
	sort.Strings(units)
	return units[0], true
}

func (m *Manager) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.resources))
	for id := range m.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// pickLocked returns the least-utilised candidate that can accept r on top
// of what this call already reserved, or the reason none can.
func pickLocked(cands []*entry, r models.ResourceRequirement, requesterID string, pending map[string]*holder) (*entry, error) {
	var best *entry
	var bestRatio float64
	var reason error
	permanent := true
	for _, e := range cands {
		used := e.res.Allocated.Clone()
		if h, ok := pending[e.res.ID]; ok {
			for unit, v := range h.quantity {
				used[unit] += v
			}
		}
		err := e.admits(r, requesterID, used, pending[e.res.ID] != nil)
		if err != nil {
			if !errors.Is(err, ErrUnsatisfiable) {
				permanent = false
			}
			reason = err
			continue
		}
		ratio := used.Ratio(e.res.Capacity)
		if best == nil || ratio < bestRatio || (ratio == bestRatio && e.res.ID < best.res.ID) {
			best, bestRatio = e, ratio
		}
	}
	if best != nil {
		return best, nil
	}
	if !permanent && errors.Is(reason, ErrUnsatisfiable) {
		reason = fmt.Errorf("%s: all candidates busy", describe(r))
	}
	return nil, reason
}

// admits checks one requirement against the entry's current state.
func (e *entry) admits(r models.ResourceRequirement, requesterID string, used models.Quantity, alreadyPending bool) error {
	id := e.res.ID
	if e.res.Status == models.ResourceUnavailable {
		return fmt.Errorf("resource %s is unavailable", id)
	}
	for unit, v := range r.Quantity {
		max, ok := e.res.Capacity[unit]
		if !ok {
			return fmt.Errorf("resource %s has no %q capacity: %w", id, unit, ErrUnsatisfiable)
		}
		if v > max {
			return fmt.Errorf("resource %s: %s %g exceeds capacity %g: %w", id, unit, v, max, ErrUnsatisfiable)
		}
		if max, ok := e.res.Limits.MaxPerAllocation[unit]; ok && v > max {
			return fmt.Errorf("resource %s: %s %g exceeds per-allocation limit %g: %w", id, unit, v, max, ErrUnsatisfiable)
		}
	}
	if !r.Quantity.Fits(used, e.res.Capacity) {
		return fmt.Errorf("resource %s: insufficient capacity for %s", id, r.Quantity.String())
	}
	users := e.users()
	if max := e.res.Limits.MaxConcurrentUsers; !alreadyPending && max > 0 && !users[requesterID] && len(users) >= max {
		return fmt.Errorf("resource %s: max concurrent users %d reached", id, max)
	}
	mode := normalizeMode(r.Mode)
	for _, h := range e.holders {
		if conflicts(mode, h.mode) {
			return fmt.Errorf("resource %s: %s access conflicts with held %s access", id, mode, h.mode)
		}
	}
	return nil
}

func (e *entry) users() map[string]bool {
	users := make(map[string]bool, len(e.holders))
	for _, h := range e.holders {
		users[h.requesterID] = true
	}
	return users
}

func (e *entry) refreshStatus() {
	if e.res.Status == models.ResourceUnavailable {
		return
	}
	e.res.Status = models.ResourceAvailable
	for unit, max := range e.res.Capacity {
		if max > 0 && e.res.Allocated[unit] >= max {
			e.res.Status = models.ResourceExhausted
			return
		}
	}
	if max := e.res.Limits.MaxConcurrentUsers; max > 0 && len(e.users()) >= max {
		e.res.Status = models.ResourceExhausted
	}
}

func (e *entry) snapshot() models.Resource {
	r := e.res
	r.Capacity = e.res.Capacity.Clone()
	r.Allocated = e.res.Allocated.Clone()
	r.Limits.MaxPerAllocation = e.res.Limits.MaxPerAllocation.Clone()
	r.Users = make([]string, 0, len(e.holders))
	for u := range e.users() {
		r.Users = append(r.Users, u)
	}
	sort.Strings(r.Users)
	return r
}

func normalizeMode(m models.AccessMode) models.AccessMode {
	if m == "" {
		return models.AccessRead
	}
	return m
}

func modeRank(m models.AccessMode) int {
	switch m {
	case models.AccessExclusive:
		return 2
	case models.AccessWrite:
		return 1
	default:
		return 0
	}
}

// conflicts reports whether a new grant in mode want can coexist with a
// held grant in mode held. Only read is shareable, and only with read.
func conflicts(want, held models.AccessMode) bool {
	return want != models.AccessRead || held != models.AccessRead
}

func describe(r models.ResourceRequirement) string {
	if r.ResourceID != "" {
		return "resource " + r.ResourceID
	}
	return "type " + string(r.Type)
}
