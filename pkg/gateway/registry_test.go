package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry_PerIPLimit(t *testing.T) {
	r := NewClientRegistry(2)

	require.NoError(t, r.Add(&Client{ID: "a", IPAddress: "10.0.0.1"}))
	require.NoError(t, r.Add(&Client{ID: "b", IPAddress: "10.0.0.1"}))
	assert.ErrorIs(t, r.Add(&Client{ID: "c", IPAddress: "10.0.0.1"}), ErrTooManyConnections)
	require.NoError(t, r.Add(&Client{ID: "d", IPAddress: "10.0.0.2"}))

	// re-adding a known client does not consume another slot
	require.NoError(t, r.Add(&Client{ID: "d", IPAddress: "10.0.0.2"}))
	require.NoError(t, r.Add(&Client{ID: "e", IPAddress: "10.0.0.2"}))

	r.Remove("a")
	r.Remove("a")
	require.NoError(t, r.Add(&Client{ID: "c", IPAddress: "10.0.0.1"}))
	assert.Equal(t, 4, r.Count())
}

func TestClientRegistry_Unlimited(t *testing.T) {
	r := NewClientRegistry(0)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Add(&Client{ID: id, IPAddress: "127.0.0.1"}))
	}
	assert.Equal(t, 3, r.Count())
}

func TestClientRegistry_ExpireHandshakes(t *testing.T) {
	now := time.Now()
	r := NewClientRegistry(1)

	require.NoError(t, r.Add(&Client{ID: "lapsed", IPAddress: "10.0.0.1", ChallengeExpires: now.Add(-time.Second)}))
	require.NoError(t, r.Add(&Client{ID: "pending", IPAddress: "10.0.0.2", ChallengeExpires: now.Add(time.Minute)}))
	require.NoError(t, r.Add(&Client{ID: "done", IPAddress: "10.0.0.3", Authenticated: true, ChallengeExpires: now.Add(-time.Minute)}))
	require.NoError(t, r.Add(&Client{ID: "open", IPAddress: "10.0.0.4", Authenticated: true}))

	expired := r.ExpireHandshakes(now)
	require.Len(t, expired, 1)
	assert.Equal(t, "lapsed", expired[0].ID)
	assert.Equal(t, StateDisconnected, expired[0].State)

	_, ok := r.Get("lapsed")
	assert.False(t, ok)
	assert.Equal(t, 3, r.Count())

	// the address slot was released
	assert.NoError(t, r.Add(&Client{ID: "again", IPAddress: "10.0.0.1"}))
}

func TestClientRegistry_SnapshotOrder(t *testing.T) {
	now := time.Now()
	r := NewClientRegistry(0)
	require.NoError(t, r.Add(&Client{ID: "new", ConnectedAt: now, LastActivity: now}))
	require.NoError(t, r.Add(&Client{ID: "old", ConnectedAt: now.Add(-time.Hour), LastActivity: now.Add(-time.Hour)}))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "old", snap[0].ID)
	assert.True(t, snap[0].Idle)
	assert.False(t, snap[1].Idle)
	assert.Len(t, r.Authenticated(), 0)
}
