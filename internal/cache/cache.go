// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package cache provides deterministic memoisation for derived balance
// results. It is not a general object cache: every entry is keyed by the
// semantic inputs of the function it caches.
package cache

import (
	"sync"
	"time"

	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/waterbalance/internal/db"
)

// Event is a symbolic cache event delivered to registered listeners.
type Event string

const (
	EventFullClear         Event = "full_clear"
	EventSourcePathChanged Event = "excel_path_changed"
	EventBalanceWritten    Event = "balance_written"
	EventTransfersApplied  Event = "transfers_applied"
)

// Listener receives cache events. Listeners are notified in registration
// order; errors and panics inside a listener are logged and do not stop
// notification of the remaining listeners.
type Listener interface {
	OnCacheEvent(Event)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(Event)

// OnCacheEvent implements the Listener interface.
func (f ListenerFunc) OnCacheEvent(event Event) { f(event) }

// BalanceKey is the memoisation key for a computed balance.
type BalanceKey struct {
	Date      time.Time // normalized with db.MonthStart
	OreTonnes float64
}

// facilityListTTL is how long a cached facility list stays valid without
// explicit invalidation.
const facilityListTTL = 5 * time.Minute

type registration struct {
	handle   int
	listener Listener
}

// Cache is the process-wide memoisation layer.
//
// The mutex only guards the stored entries, not the compute callbacks: a
// compute function runs unlocked and may itself consult the cache, so two
// concurrent misses for the same key can compute twice. All compute callbacks
// are deterministic, which makes that wasteful but harmless.
type Cache struct {
	// Usually time.Now, but can be changed inside unit tests.
	TimeNow func() time.Time

	mu sync.Mutex

	balances     map[BalanceKey]any
	lastCalcDate *time.Time

	facilities   []db.Facility
	facilitiesAt time.Time

	kpis map[string]float64

	seriesValues map[string]float64

	sourcePaths map[string]string

	listeners  []registration
	nextHandle int
}

// New creates a Cache.
func New() *Cache {
	c := &Cache{TimeNow: time.Now}
	c.reset()
	return c
}

// reset reinitializes all entry stores. The caller must hold c.mu (or own the
// Cache exclusively, like New does).
func (c *Cache) reset() {
	c.balances = make(map[BalanceKey]any)
	c.lastCalcDate = nil
	c.facilities = nil
	c.kpis = make(map[string]float64)
	c.seriesValues = make(map[string]float64)
}

// GetOrComputeBalance returns the memoised balance for key, or invokes
// compute, stores the result and returns it.
//
// A short-circuit is only permitted if both the key matches and the last
// calculation date equals the requested date; when the date changes, stale
// entries for other months are dropped before computing.
func (c *Cache) GetOrComputeBalance(key BalanceKey, compute func() (any, error)) (any, error) {
	c.mu.Lock()
	if c.lastCalcDate != nil && c.lastCalcDate.Equal(key.Date) {
		if value, ok := c.balances[key]; ok {
			c.mu.Unlock()
			return value, nil
		}
	} else if c.lastCalcDate != nil {
		c.invalidateBalance(nil)
	}
	c.mu.Unlock()

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.balances[key] = value
	date := key.Date
	c.lastCalcDate = &date
	c.mu.Unlock()
	return value, nil
}

// InvalidateBalance flushes the balance cache. If date is non-nil, only
// entries for that month are flushed; otherwise everything goes, including
// the KPI derivations which are computed from balances.
func (c *Cache) InvalidateBalance(date *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateBalance(date)
}

func (c *Cache) invalidateBalance(date *time.Time) {
	if date == nil {
		c.balances = make(map[BalanceKey]any)
		c.lastCalcDate = nil
		c.kpis = make(map[string]float64)
		return
	}
	month := db.MonthStart(*date)
	for key := range c.balances {
		if key.Date.Equal(month) {
			delete(c.balances, key)
		}
	}
	if c.lastCalcDate != nil && c.lastCalcDate.Equal(month) {
		c.lastCalcDate = nil
	}
	c.kpis = make(map[string]float64)
}

// GetOrComputeFacilities returns the cached facility list if it is younger
// than the TTL, or invokes compute and stores the result.
func (c *Cache) GetOrComputeFacilities(compute func() ([]db.Facility, error)) ([]db.Facility, error) {
	c.mu.Lock()
	if c.facilities != nil && c.TimeNow().Sub(c.facilitiesAt) < facilityListTTL {
		facilities := c.facilities
		c.mu.Unlock()
		return facilities, nil
	}
	c.mu.Unlock()

	facilities, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.facilities = facilities
	c.facilitiesAt = c.TimeNow()
	c.mu.Unlock()
	return facilities, nil
}

// InvalidateFacilities flushes the facility list cache. Any write to a
// facility record must be followed by this call; balances derived from the
// old records are flushed as well.
func (c *Cache) InvalidateFacilities() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facilities = nil
	c.invalidateBalance(nil)
}

// GetOrComputeKPI memoises a named KPI derivation.
func (c *Cache) GetOrComputeKPI(name string, compute func() (float64, error)) (float64, error) {
	c.mu.Lock()
	if value, ok := c.kpis[name]; ok {
		c.mu.Unlock()
		return value, nil
	}
	c.mu.Unlock()

	value, err := compute()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.kpis[name] = value
	c.mu.Unlock()
	return value, nil
}

// GetOrComputeSeriesValue memoises a loaded time-series value.
func (c *Cache) GetOrComputeSeriesValue(key string, compute func() (float64, error)) (float64, error) {
	c.mu.Lock()
	if value, ok := c.seriesValues[key]; ok {
		c.mu.Unlock()
		return value, nil
	}
	c.mu.Unlock()

	value, err := compute()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.seriesValues[key] = value
	c.mu.Unlock()
	return value, nil
}

// RegisterListener adds a listener and returns a handle for deregistration.
func (c *Cache) RegisterListener(listener Listener) (handle int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	c.listeners = append(c.listeners, registration{c.nextHandle, listener})
	return c.nextHandle
}

// DeregisterListener removes the listener with the given handle.
func (c *Cache) DeregisterListener(handle int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, reg := range c.listeners {
		if reg.handle == handle {
			c.listeners = append(c.listeners[:idx], c.listeners[idx+1:]...)
			return
		}
	}
}

// Notify delivers an event to all listeners in registration order. Listeners
// run without the cache lock, so they may call back into the Cache.
func (c *Cache) Notify(event Event) {
	c.mu.Lock()
	listeners := make([]registration, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, reg := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logg.Error("cache listener panicked during %s: %v", event, r)
				}
			}()
			reg.listener.OnCacheEvent(event)
		}()
	}
}

// OnSourcePathChange compares the stored path for the given dataset kind with
// newPath. On a change, all caches are flushed and listeners receive
// full_clear followed by excel_path_changed.
func (c *Cache) OnSourcePathChange(kind, newPath string) {
	c.mu.Lock()
	if c.sourcePaths == nil {
		c.sourcePaths = make(map[string]string)
	}
	oldPath, seen := c.sourcePaths[kind]
	c.sourcePaths[kind] = newPath
	if !seen || oldPath == newPath {
		// the first observation establishes the baseline without a flush
		c.mu.Unlock()
		return
	}
	c.reset()
	c.mu.Unlock()

	c.Notify(EventFullClear)
	c.Notify(EventSourcePathChanged)
}

// FullClear drops every cached entry and notifies listeners.
func (c *Cache) FullClear() {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()
	c.Notify(EventFullClear)
}
