// Package session tracks per-conversation state for a running agent.
//
// A session holds the message history one caller accumulates across requests.
// Sessions are keyed by client-supplied id; idle sessions are evicted after
// the configured timeout.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skiffhq/skiff/pkg/llms"
)

// Session is one conversation's accumulated state.
type Session struct {
	ID           string
	Messages     []llms.Message
	CreatedAt    time.Time
	LastActivity time.Time

	// ContextPath tracks the hierarchy navigation stack for this session.
	ContextPath []string

	// NodeMemory isolates conversation history per hierarchy node. Switching
	// nodes neither copies nor clears a peer's buffer.
	NodeMemory map[string][]llms.Message
}

// MemoryFor returns the history buffer for one hierarchy node.
func (s *Session) MemoryFor(node string) []llms.Message {
	if node == "" {
		return s.Messages
	}
	return s.NodeMemory[node]
}

// SetMemory replaces one node's history buffer.
func (s *Session) SetMemory(node string, msgs []llms.Message) {
	if node == "" {
		s.Messages = msgs
		return
	}
	if s.NodeMemory == nil {
		s.NodeMemory = make(map[string][]llms.Message)
	}
	s.NodeMemory[node] = msgs
}

// Stats summarizes the store for the sessions endpoint.
type Stats struct {
	ActiveSessions int           `json:"active_sessions"`
	TotalMessages  int           `json:"total_messages"`
	Timeout        time.Duration `json:"-"`
	TimeoutSeconds int           `json:"timeout_seconds"`
}

// Store holds live sessions and evicts idle ones.
//
// A zero timeout disables persistence entirely: every Acquire returns a fresh
// session and nothing is retained between requests.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
}

// NewStore builds a store with the given idle timeout.
func NewStore(timeout time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		timeout:  timeout,
	}
}

// Acquire returns the session for id, creating it when absent. An empty id
// gets a generated one. A session idle past the timeout is evicted here, not
// just by the sweeper, so a late request never resumes stale history. The
// returned session's LastActivity is refreshed.
func (s *Store) Acquire(id string) *Session {
	now := time.Now()

	if s.timeout == 0 {
		if id == "" {
			id = uuid.NewString()
		}
		return &Session{ID: id, CreatedAt: now, LastActivity: now}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	sess, ok := s.sessions[id]
	if ok && now.Sub(sess.LastActivity) > s.timeout {
		delete(s.sessions, id)
		ok = false
	}
	if !ok {
		sess = &Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
	}
	sess.LastActivity = now
	return sess
}

// Update stores the session's new message history. No-op when persistence is
// disabled.
func (s *Store) Update(sess *Session) {
	if s.timeout == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.sessions[sess.ID]; ok {
		stored.Messages = sess.Messages
		stored.ContextPath = sess.ContextPath
		stored.NodeMemory = sess.NodeMemory
		stored.LastActivity = time.Now()
	}
}

// Delete removes one session. Returns false when the id is unknown.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Cleanup evicts every session idle past the timeout and returns the count.
func (s *Store) Cleanup() int {
	if s.timeout == 0 {
		return 0
	}
	cutoff := time.Now().Add(-s.timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Stats reports current store contents.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, sess := range s.sessions {
		total += len(sess.Messages)
		for _, msgs := range sess.NodeMemory {
			total += len(msgs)
		}
	}
	return Stats{
		ActiveSessions: len(s.sessions),
		TotalMessages:  total,
		Timeout:        s.timeout,
		TimeoutSeconds: int(s.timeout.Seconds()),
	}
}

// StartSweeper runs Cleanup periodically until ctx is cancelled. The sweep
// interval is a quarter of the timeout, clamped to [10s, 5m].
func (s *Store) StartSweeper(ctx context.Context) {
	if s.timeout == 0 {
		return
	}
	interval := s.timeout / 4
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Cleanup(); n > 0 {
					slog.Debug("evicted idle sessions", "count", n)
				}
			}
		}
	}()
}
