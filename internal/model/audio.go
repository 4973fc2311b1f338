package model

import (
	"sort"
	"sync"
	"time"
)

// AudioRegistry tracks which tabs were last seen producing sound. Entries
// are not cleared when a tab goes silent; they live until the tab is
// removed or Clear is called.
type AudioRegistry struct {
	mu      sync.RWMutex
	entries map[string]AudioState
	events  hub[AudioState]
	now     func() time.Time
}

func NewAudioRegistry() *AudioRegistry {
	return &AudioRegistry{
		entries: make(map[string]AudioState),
		now:     time.Now,
	}
}

// Upsert records st when it is playing. Silent observations are ignored
// and report false.
func (r *AudioRegistry) Upsert(st AudioState) bool {
	if !st.Playing || st.TabID == "" {
		return false
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = r.now()
	}
	r.mu.Lock()
	r.entries[st.TabID] = st
	r.mu.Unlock()
	r.events.publish(st)
	return true
}

// Clear removes entries for the given tabs.
func (r *AudioRegistry) Clear(tabIDs ...string) {
	var removed []AudioState
	r.mu.Lock()
	for _, id := range tabIDs {
		if st, ok := r.entries[id]; ok {
			delete(r.entries, id)
			st.Playing = false
			removed = append(removed, st)
		}
	}
	r.mu.Unlock()
	for _, st := range removed {
		r.events.publish(st)
	}
}

func (r *AudioRegistry) Get(tabID string) (AudioState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.entries[tabID]
	return st, ok
}

// List returns all entries ordered by tab id.
func (r *AudioRegistry) List() []AudioState {
	r.mu.RLock()
	out := make([]AudioState, 0, len(r.entries))
	for _, st := range r.entries {
		out = append(out, st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Subscribe streams upserts and removals (removals carry Playing=false).
func (r *AudioRegistry) Subscribe(buf int) (<-chan AudioState, func()) {
	return r.events.subscribe(buf)
}
