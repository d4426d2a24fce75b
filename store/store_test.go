package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasanmokdad-cloud/roomy-calls/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, store.CreateParams{
		ConversationID: "conv-1",
		CallerID:       "alice",
		ReceiverID:     "bob",
		CallType:       "video",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	r, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", r.ConversationID)
	assert.Equal(t, "alice", r.CallerID)
	assert.Equal(t, "bob", r.ReceiverID)
	assert.Equal(t, "video", r.CallType)
	assert.Equal(t, store.StatusRinging, r.Status)
	assert.Nil(t, r.StartedAt)
	assert.Nil(t, r.EndedAt)
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, store.CreateParams{
		ConversationID: "conv-1", CallerID: "alice", ReceiverID: "bob", CallType: "voice",
	})
	require.NoError(t, err)

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateRecord(ctx, id, store.Update{
		Status:    store.StatusConnected,
		StartedAt: &started,
	}))

	ended := started.Add(90 * time.Second)
	dur := 90
	require.NoError(t, s.UpdateRecord(ctx, id, store.Update{
		Status:          store.StatusEnded,
		EndedAt:         &ended,
		DurationSeconds: &dur,
		EndedBy:         "alice",
		EndReason:       store.ReasonHangup,
	}))

	r, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEnded, r.Status)
	require.NotNil(t, r.StartedAt)
	require.NotNil(t, r.EndedAt)
	assert.Equal(t, 90, r.DurationSeconds)
	assert.Equal(t, "alice", r.EndedBy)
	assert.Equal(t, store.ReasonHangup, r.EndReason)
}

func TestUpdateMissingRecord(t *testing.T) {
	s := openStore(t)
	err := s.UpdateRecord(context.Background(), "nope", store.Update{Status: store.StatusEnded})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateWithNoFieldsIsNoOp(t *testing.T) {
	s := openStore(t)
	// An empty patch touches nothing, even for an unknown ID.
	assert.NoError(t, s.UpdateRecord(context.Background(), "nope", store.Update{}))
}

func TestHistoryFiltersAndLimits(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, p := range []store.CreateParams{
		{ConversationID: "c1", CallerID: "alice", ReceiverID: "bob", CallType: "voice"},
		{ConversationID: "c2", CallerID: "bob", ReceiverID: "alice", CallType: "video"},
		{ConversationID: "c3", CallerID: "carol", ReceiverID: "alice", CallType: "voice"},
		{ConversationID: "c4", CallerID: "carol", ReceiverID: "dave", CallType: "voice"},
	} {
		_, err := s.Create(ctx, p)
		require.NoError(t, err)
	}

	records, err := s.History(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	for _, r := range records {
		assert.True(t, r.CallerID == "alice" || r.ReceiverID == "alice")
	}

	limited, err := s.History(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.History(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
