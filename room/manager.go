package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Seednode/partyboard/peer"
)

// Manager owns the room table. Rooms are created on first connection and
// evicted once they have had nobody connected for the idle timeout.
type Manager struct {
	opts        Options
	idleTimeout time.Duration
	log         zerolog.Logger

	mu     sync.Mutex
	rooms  map[int]*Room
	closed bool
}

func NewManager(opts Options, idleTimeout time.Duration) *Manager {
	return &Manager{
		opts:        opts,
		idleTimeout: idleTimeout,
		log:         opts.Logger,
		rooms:       make(map[int]*Room),
	}
}

func (m *Manager) room(id int) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	if r, ok := m.rooms[id]; ok {
		return r
	}

	r := New(id, m.opts)
	m.rooms[id] = r
	m.log.Info().Int("room_id", id).Int("rooms", len(m.rooms)).Msg("room created")

	return r
}

// Join attaches c to room id, creating the room if needed.
func (m *Manager) Join(id int, c *peer.Client) (*Room, error) {
	// A room can be evicted between lookup and join; the retry gets a
	// fresh one.
	for range 2 {
		r := m.room(id)
		if r == nil {
			return nil, ErrClosed
		}
		if r.Join(c) {
			return r, nil
		}
	}

	return nil, ErrClosed
}

func (m *Manager) Lookup(id int) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id]
	return r, ok
}

// IDs returns the ids of all live rooms, sorted.
func (m *Manager) IDs() []int {
	m.mu.Lock()
	ids := make([]int, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Ints(ids)

	return ids
}

// Reap evicts rooms idle since before now minus the idle timeout and
// returns how many were evicted.
func (m *Manager) Reap(now time.Time) int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.idleTimeout)

	var evicted []*Room

	m.mu.Lock()
	for id, r := range m.rooms {
		if r.idle(cutoff) {
			delete(m.rooms, id)
			evicted = append(evicted, r)
		}
	}
	m.mu.Unlock()

	for _, r := range evicted {
		m.evict(r)
	}

	return len(evicted)
}

func (m *Manager) evict(r *Room) {
	r.Close()

	if f, ok := m.opts.Loader.(interface{ Forget(int) }); ok {
		f.Forget(r.id)
	}

	m.log.Info().Int("room_id", r.id).Msg("room evicted")
}

// Run reaps idle rooms until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(m.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Reap(now)
		}
	}
}

// Close evicts every room and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	rooms := m.rooms
	m.rooms = make(map[int]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		m.evict(r)
	}
}
