package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffhq/skiff/pkg/llms"
)

func TestAcquireCreatesAndReuses(t *testing.T) {
	store := NewStore(time.Minute)

	sess := store.Acquire("abc")
	require.NotNil(t, sess)
	assert.Equal(t, "abc", sess.ID)

	sess.Messages = append(sess.Messages, llms.Message{Role: llms.RoleUser, Content: "hi"})
	store.Update(sess)

	again := store.Acquire("abc")
	require.Len(t, again.Messages, 1)
	assert.Equal(t, "hi", again.Messages[0].Content)
}

func TestAcquireGeneratesID(t *testing.T) {
	store := NewStore(time.Minute)
	sess := store.Acquire("")
	assert.NotEmpty(t, sess.ID)

	other := store.Acquire("")
	assert.NotEqual(t, sess.ID, other.ID)
}

func TestZeroTimeoutDisablesPersistence(t *testing.T) {
	store := NewStore(0)

	sess := store.Acquire("sticky")
	sess.Messages = append(sess.Messages, llms.Message{Role: llms.RoleUser, Content: "hello"})
	store.Update(sess)

	again := store.Acquire("sticky")
	assert.Empty(t, again.Messages)

	stats := store.Stats()
	assert.Zero(t, stats.ActiveSessions)
	assert.Zero(t, store.Cleanup())
}

func TestCleanupEvictsIdle(t *testing.T) {
	store := NewStore(50 * time.Millisecond)

	store.Acquire("old")
	time.Sleep(70 * time.Millisecond)
	store.Acquire("fresh")

	removed := store.Cleanup()
	assert.Equal(t, 1, removed)

	stats := store.Stats()
	assert.Equal(t, 1, stats.ActiveSessions)
}

func TestAcquireEvictsIdleSession(t *testing.T) {
	store := NewStore(50 * time.Millisecond)

	sess := store.Acquire("stale")
	sess.Messages = append(sess.Messages, llms.Message{Role: llms.RoleUser, Content: "old"})
	store.Update(sess)

	time.Sleep(120 * time.Millisecond)

	// The idle limit elapsed, so the old history must not come back even if
	// the sweeper has not run yet.
	again := store.Acquire("stale")
	assert.Empty(t, again.Messages)
	assert.Equal(t, "stale", again.ID)
}

func TestDelete(t *testing.T) {
	store := NewStore(time.Minute)
	store.Acquire("gone")

	assert.True(t, store.Delete("gone"))
	assert.False(t, store.Delete("gone"))
	assert.False(t, store.Delete("never-existed"))
}

func TestNodeMemoryIsolation(t *testing.T) {
	sess := &Session{}

	sess.SetMemory("", []llms.Message{{Role: llms.RoleUser, Content: "root talk"}})
	sess.SetMemory("researcher", []llms.Message{{Role: llms.RoleUser, Content: "child talk"}})

	root := sess.MemoryFor("")
	require.Len(t, root, 1)
	assert.Equal(t, "root talk", root[0].Content)

	child := sess.MemoryFor("researcher")
	require.Len(t, child, 1)
	assert.Equal(t, "child talk", child[0].Content)

	assert.Empty(t, sess.MemoryFor("writer"))

	// Root memory is backed by the plain Messages slice.
	assert.Equal(t, sess.Messages, root)
}

func TestStatsCountsNodeMemories(t *testing.T) {
	store := NewStore(time.Minute)

	sess := store.Acquire("s1")
	sess.SetMemory("", []llms.Message{{Content: "a"}, {Content: "b"}})
	sess.SetMemory("child", []llms.Message{{Content: "c"}})
	store.Update(sess)

	stats := store.Stats()
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 3, stats.TotalMessages)
	assert.Equal(t, 60, stats.TimeoutSeconds)
}
