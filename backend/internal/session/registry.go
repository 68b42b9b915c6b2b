package session

import (
	"sort"
	"sync"

	"mochigami/backend/internal/audio"
)

// Registry holds one State per guild
type Registry struct {
	sessions  map[string]*State
	bufCfg    audio.BufferConfig
	queueSize int
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry; new sessions get the given buffer
// configuration and queue capacity.
func NewRegistry(bufCfg audio.BufferConfig, queueSize int) *Registry {
	return &Registry{
		sessions:  make(map[string]*State),
		bufCfg:    bufCfg,
		queueSize: queueSize,
	}
}

// GetOrCreate gets or creates the session for a guild
func (r *Registry) GetOrCreate(guildID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, exists := r.sessions[guildID]; exists {
		return st
	}

	st := NewState(guildID, r.bufCfg, r.queueSize)
	r.sessions[guildID] = st
	return st
}

// Get returns the session for a guild, if any
func (r *Registry) Get(guildID string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[guildID]
	return st, ok
}

// Remove detaches the session for a guild and returns it so the caller can Close it
func (r *Registry) Remove(guildID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[guildID]
	if ok {
		delete(r.sessions, guildID)
	}
	return st, ok
}

// Sessions returns a snapshot of all sessions ordered by guild ID
func (r *Registry) Sessions() []*State {
	r.mu.RLock()
	out := make([]*State, 0, len(r.sessions))
	for _, st := range r.sessions {
		out = append(out, st)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

// Len returns the number of sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll removes and closes every session, returning the first error
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*State)
	r.mu.Unlock()

	var first error
	for _, st := range all {
		if err := st.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
