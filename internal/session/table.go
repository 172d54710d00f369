package session

import (
	"sort"
	"sync"
)

// Table holds the live sessions keyed by id.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

func (t *Table) Add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID] = s
}

// Remove reports whether id was present; only one caller ever sees true.
func (t *Table) Remove(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	return s, ok
}

func (t *Table) Get(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Table) list() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Snapshot lists the sessions oldest first.
func (t *Table) Snapshot() []Info {
	sessions := t.list()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// CloseAll closes every session. Connections notice through the session
// context and remove themselves.
func (t *Table) CloseAll() int {
	closed := 0
	for _, s := range t.list() {
		if s.Close() {
			closed++
		}
	}
	return closed
}
