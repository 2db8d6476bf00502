package inventory

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"homepulse/core-go/internal/device"
)

var ErrNotFound = errors.New("device not found")

type Filter struct {
	Area        string
	Integration string
}

func (f Filter) match(d device.Device) bool {
	if f.Area != "" {
		area := strings.ToLower(f.Area)
		idMatch := d.AreaID != nil && strings.ToLower(*d.AreaID) == area
		nameMatch := d.AreaName != nil && strings.ToLower(*d.AreaName) == area
		if !idMatch && !nameMatch {
			return false
		}
	}
	if f.Integration != "" && !strings.EqualFold(d.Integration, f.Integration) {
		return false
	}
	return true
}

// Diff summarizes what a Replace changed. Removed lists devices that went
// missing in this Replace; they stay in the table, disabled.
type Diff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Updated []string `json:"updated"`
}

// Store is the in-memory device table. Every read returns copies; every
// write replaces whole devices under the table lock.
type Store struct {
	mu        sync.RWMutex
	devices   map[string]device.Device
	missing   map[string]bool
	updatedAt time.Time
}

func NewStore() *Store {
	return &Store{devices: make(map[string]device.Device), missing: make(map[string]bool)}
}

// Replace merges devs into the table. Devices absent from devs are never
// dropped: they are kept with Disabled set so their history survives.
// Health scores already computed from live metrics are kept for devices that
// survive.
func (s *Store) Replace(devs []device.Device, keepScores bool) Diff {
	next := make(map[string]device.Device, len(devs))
	for _, d := range devs {
		next[d.ID] = d.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var diff Diff
	for id, d := range next {
		prev, ok := s.devices[id]
		if !ok {
			diff.Added = append(diff.Added, id)
			continue
		}
		if keepScores {
			d.HealthScore = prev.HealthScore
			if d.LastSeen == nil && prev.LastSeen != nil {
				ts := *prev.LastSeen
				d.LastSeen = &ts
			}
			next[id] = d
		}
		diff.Updated = append(diff.Updated, id)
	}
	for id, prev := range s.devices {
		if _, ok := next[id]; ok {
			delete(s.missing, id)
			continue
		}
		if !s.missing[id] {
			diff.Removed = append(diff.Removed, id)
			s.missing[id] = true
		}
		prev.Disabled = true
		next[id] = prev
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Updated)

	s.devices = next
	s.updatedAt = time.Now().UTC()
	return diff
}

func (s *Store) Upsert(d device.Device) {
	s.mu.Lock()
	s.devices[d.ID] = d.Clone()
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Store) Get(id string) (device.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return device.Device{}, ErrNotFound
	}
	return d.Clone(), nil
}

// List returns matching devices ordered by name, then id.
func (s *Store) List(f Filter) []device.Device {
	s.mu.RLock()
	out := make([]device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		if f.match(d) {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) IDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.devices))
	for id := range s.devices {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

func (s *Store) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// SetHealth records a freshly computed score and the time the device was
// last heard from.
func (s *Store) SetHealth(id string, score float64, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.HealthScore = score
	if !seen.IsZero() {
		ts := seen
		d.LastSeen = &ts
	}
	s.devices[id] = d
	return nil
}
