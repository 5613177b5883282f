package engine

import (
	"context"
	"net/netip"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Windows are the horizon durations and debounce periods shared by every
// source in a WindowStore.
type Windows struct {
	Fast         time.Duration
	Slow         time.Duration
	FastCooldown time.Duration
	SlowCooldown time.Duration
}

type Counts struct {
	Fast int `json:"fast"`
	Slow int `json:"slow"`
}

type portEntry struct {
	port uint16
	at   time.Time
}

// horizon is a set of distinct destination ports with the latest time each
// was seen. queue holds the same observations in time order so pruning pops
// from the head; a popped entry only removes its port when no newer sighting
// replaced it.
type horizon struct {
	ports     map[uint16]time.Time
	queue     []portEntry
	head      int
	lastAlert time.Time
}

func (h *horizon) add(port uint16, at time.Time) {
	if h.ports == nil {
		h.ports = make(map[uint16]time.Time)
	}
	if prev, ok := h.ports[port]; ok && !at.After(prev) {
		return
	}
	h.ports[port] = at
	h.queue = append(h.queue, portEntry{port: port, at: at})
	if live := len(h.queue) - h.head; live > 4*len(h.ports)+64 {
		h.rebuild()
	}
}

func (h *horizon) prune(now time.Time, d time.Duration) {
	for h.head < len(h.queue) {
		e := h.queue[h.head]
		if now.Sub(e.at) <= d {
			break
		}
		if t, ok := h.ports[e.port]; ok && t.Equal(e.at) {
			delete(h.ports, e.port)
		}
		h.head++
	}
	if h.head > 0 && h.head*2 >= len(h.queue) {
		h.queue = append([]portEntry{}, h.queue[h.head:]...)
		h.head = 0
	}
}

// rebuild drops queue entries superseded by a newer sighting of the same port.
func (h *horizon) rebuild() {
	q := make([]portEntry, 0, len(h.ports))
	for port, at := range h.ports {
		q = append(q, portEntry{port: port, at: at})
	}
	sort.Slice(q, func(i, j int) bool {
		if q[i].at.Equal(q[j].at) {
			return q[i].port < q[j].port
		}
		return q[i].at.Before(q[j].at)
	})
	h.queue = q
	h.head = 0
}

func (h *horizon) count() int { return len(h.ports) }

func (h *horizon) livePorts(now time.Time, d time.Duration) []uint16 {
	out := make([]uint16, 0, len(h.ports))
	for p, at := range h.ports {
		if now.Sub(at) <= d {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

func (h *horizon) liveCount(now time.Time, d time.Duration) int {
	n := 0
	for _, at := range h.ports {
		if now.Sub(at) <= d {
			n++
		}
	}
	return n
}

// retained reports whether the horizon still holds ports or an alert whose
// debounce period has not run out.
func (h *horizon) retained(now time.Time, cooldown time.Duration) bool {
	if len(h.ports) > 0 {
		return true
	}
	return !h.lastAlert.IsZero() && now.Sub(h.lastAlert) < cooldown
}

// SourceState is the detection state of one source address. It is only
// touched from inside a WindowStore map callback.
type SourceState struct {
	addr      netip.Addr
	fast      horizon
	slow      horizon
	firstSeen time.Time
	lastSeen  time.Time
	events    uint64
	win       Windows
}

func (s *SourceState) Addr() netip.Addr { return s.addr }

func (s *SourceState) prune(now time.Time) {
	s.fast.prune(now, s.win.Fast)
	s.slow.prune(now, s.win.Slow)
}

// observe prunes both horizons against at, then records port in each.
func (s *SourceState) observe(port uint16, at time.Time) Counts {
	s.prune(at)
	s.fast.add(port, at)
	s.slow.add(port, at)
	s.events++
	return s.counts()
}

func (s *SourceState) counts() Counts {
	return Counts{Fast: s.fast.count(), Slow: s.slow.count()}
}

func (s *SourceState) expired(now time.Time) bool {
	s.prune(now)
	return !s.fast.retained(now, maxDuration(s.win.Fast, s.win.FastCooldown)) &&
		!s.slow.retained(now, maxDuration(s.win.Slow, s.win.SlowCooldown))
}

type SourceSnapshot struct {
	Addr          netip.Addr `json:"src"`
	FastPorts     []uint16   `json:"fast_ports"`
	Counts        Counts     `json:"counts"`
	Events        uint64     `json:"events"`
	FirstSeen     time.Time  `json:"first_seen"`
	LastSeen      time.Time  `json:"last_seen"`
	LastFastAlert *time.Time `json:"last_fast_alert,omitempty"`
	LastSlowAlert *time.Time `json:"last_slow_alert,omitempty"`
}

// view is a pruned snapshot at now that leaves the state untouched, so it is
// safe under a shared read lock.
func (s *SourceState) view(now time.Time, win Windows) SourceSnapshot {
	snap := SourceSnapshot{
		Addr:      s.addr,
		FastPorts: s.fast.livePorts(now, win.Fast),
		Counts: Counts{
			Fast: s.fast.liveCount(now, win.Fast),
			Slow: s.slow.liveCount(now, win.Slow),
		},
		Events:    s.events,
		FirstSeen: s.firstSeen,
		LastSeen:  s.lastSeen,
	}
	if !s.fast.lastAlert.IsZero() {
		t := s.fast.lastAlert
		snap.LastFastAlert = &t
	}
	if !s.slow.lastAlert.IsZero() {
		t := s.slow.lastAlert
		snap.LastSlowAlert = &t
	}
	return snap
}

// WindowStore owns every SourceState, keyed by source address in a sharded
// concurrent map. Every access to a state happens inside a map callback, so
// updates for one address are serialized under its shard lock.
type WindowStore struct {
	sources cmap.ConcurrentMap[netip.Addr, *SourceState]
	win     atomic.Pointer[Windows]
}

func NewWindowStore(fast, slow time.Duration) *WindowStore {
	s := &WindowStore{sources: cmap.NewStringer[netip.Addr, *SourceState]()}
	s.win.Store(&Windows{Fast: fast, Slow: slow, FastCooldown: fast, SlowCooldown: slow})
	return s
}

func (s *WindowStore) Windows() Windows {
	return *s.win.Load()
}

// SetWindows replaces the horizon durations and resets both cooldowns to
// match them.
func (s *WindowStore) SetWindows(fast, slow time.Duration) {
	s.SetConfig(Windows{Fast: fast, Slow: slow})
}

// SetConfig applies w; a zero cooldown means "same as the window".
func (s *WindowStore) SetConfig(w Windows) {
	if w.FastCooldown <= 0 {
		w.FastCooldown = w.Fast
	}
	if w.SlowCooldown <= 0 {
		w.SlowCooldown = w.Slow
	}
	s.win.Store(&w)
}

// Update runs fn on the state of src with the shard lock held, creating the
// state on first use. at is clamped so a source's clock never moves
// backwards; fn receives the clamped time. fn must not touch the store.
func (s *WindowStore) Update(src netip.Addr, at time.Time, fn func(st *SourceState, at time.Time)) {
	win := s.Windows()
	s.sources.Upsert(src, nil, func(exist bool, st *SourceState, _ *SourceState) *SourceState {
		if !exist || st == nil {
			st = &SourceState{addr: src, firstSeen: at}
		}
		clamped := at
		if clamped.Before(st.lastSeen) {
			clamped = st.lastSeen
		}
		st.lastSeen = clamped
		st.win = win
		fn(st, clamped)
		return st
	})
}

// Record adds port to both horizons of src and returns the distinct port
// counts after pruning.
func (s *WindowStore) Record(src netip.Addr, port uint16, at time.Time) Counts {
	var c Counts
	s.Update(src, at, func(st *SourceState, at time.Time) {
		c = st.observe(port, at)
	})
	return c
}

// Get returns a pruned view of src.
func (s *WindowStore) Get(src netip.Addr, now time.Time) (SourceSnapshot, bool) {
	win := s.Windows()
	var (
		snap  SourceSnapshot
		found bool
	)
	// The callback never asks for removal; RemoveCb is used for its
	// exclusive shard lock.
	s.sources.RemoveCb(src, func(_ netip.Addr, st *SourceState, exists bool) bool {
		if exists && st != nil {
			snap, found = st.view(now, win), true
		}
		return false
	})
	return snap, found
}

// Snapshot returns pruned views of all tracked sources, busiest first.
func (s *WindowStore) Snapshot(now time.Time) []SourceSnapshot {
	win := s.Windows()
	out := make([]SourceSnapshot, 0, s.sources.Count())
	s.sources.IterCb(func(_ netip.Addr, st *SourceState) {
		out = append(out, st.view(now, win))
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Counts.Slow != out[j].Counts.Slow {
			return out[i].Counts.Slow > out[j].Counts.Slow
		}
		if out[i].Counts.Fast != out[j].Counts.Fast {
			return out[i].Counts.Fast > out[j].Counts.Fast
		}
		return out[i].Addr.Less(out[j].Addr)
	})
	return out
}

func (s *WindowStore) Len() int {
	return s.sources.Count()
}

// Sweep removes sources with empty horizons whose last alerts are past
// their debounce period. It returns the number removed.
func (s *WindowStore) Sweep(now time.Time) int {
	win := s.Windows()
	removed := 0
	for _, addr := range s.sources.Keys() {
		if s.sources.RemoveCb(addr, func(_ netip.Addr, st *SourceState, exists bool) bool {
			if !exists || st == nil {
				return false
			}
			st.win = win
			return st.expired(now)
		}) {
			removed++
		}
	}
	return removed
}

// StartSweeper calls Sweep every interval until ctx is done. onSweep, when
// set, gets the removed and remaining source counts.
func (s *WindowStore) StartSweeper(ctx context.Context, interval time.Duration, clock func() time.Time, onSweep func(removed, remaining int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed := s.Sweep(clock())
				if onSweep != nil {
					onSweep(removed, s.Len())
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *WindowStore) Reset() {
	s.sources.Clear()
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
