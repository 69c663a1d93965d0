package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/lifetrack/internal/bus"
	"github.com/matheus3301/lifetrack/internal/endpoint"
	"github.com/matheus3301/lifetrack/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) incoming(t *testing.T, serverID, cmid string) int64 {
	t.Helper()
	_, err := h.db.MergeFromRemote(&store.RemoteMessage{
		ServerMessageID: serverID, ClientMessageID: cmid, FromUserID: "B", ToUserID: "A", Content: "x", CreatedAt: 1000,
	})
	require.NoError(t, err)
	m, err := h.db.GetByClientID(cmid)
	require.NoError(t, err)
	return m.ID
}

func TestMarkReadSyncsRemote(t *testing.T) {
	h := newHarness(t, endpoint.ModeSelfHosted)
	id := h.incoming(t, "s1", "r1")
	sub := h.bus.Subscribe(1, bus.KindMessageRead)
	defer sub.Close()

	res, err := h.receipts.MarkRead(context.Background(), "A", id)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.True(t, res.RemoteSynced)
	assert.NotZero(t, res.Message.ReadAt)
	assert.Equal(t, []string{"s1"}, h.fake.reads)
	assert.Len(t, sub.C, 1)
}

func TestMarkReadRemoteFailureKeepsLocalState(t *testing.T) {
	h := newHarness(t, endpoint.ModeSelfHosted)
	id := h.incoming(t, "s1", "r1")
	h.fake.read = func(string, string) error { return errors.New("relay down") }

	res, err := h.receipts.MarkRead(context.Background(), "A", id)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.False(t, res.RemoteSynced)

	m, err := h.db.GetMessage(id)
	require.NoError(t, err)
	assert.NotZero(t, m.ReadAt)
}

func TestMarkReadLocalOnly(t *testing.T) {
	h := newHarness(t, endpoint.ModeLocal)
	id := h.incoming(t, "s1", "r1")

	res, err := h.receipts.MarkRead(context.Background(), "A", id)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.False(t, res.RemoteSynced)
	assert.Zero(t, h.built.Load())
}

func TestMarkReadWithoutServerID(t *testing.T) {
	h := newHarness(t, endpoint.ModeSelfHosted)
	_, err := h.db.MergeFromRemote(&store.RemoteMessage{ClientMessageID: "r1", FromUserID: "B", ToUserID: "A", Content: "x", CreatedAt: 1})
	require.NoError(t, err)
	m, err := h.db.GetByClientID("r1")
	require.NoError(t, err)

	res, err := h.receipts.MarkRead(context.Background(), "A", m.ID)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.False(t, res.RemoteSynced)
	assert.Empty(t, h.fake.reads)
}

func TestMarkReadIsIdempotentAndRecipientOnly(t *testing.T) {
	h := newHarness(t, endpoint.ModeLocal)
	id := h.incoming(t, "s1", "r1")

	res, err := h.receipts.MarkRead(context.Background(), "B", id)
	require.NoError(t, err)
	assert.False(t, res.Updated, "sender cannot mark its own message read")

	first, err := h.receipts.MarkRead(context.Background(), "A", id)
	require.NoError(t, err)
	second, err := h.receipts.MarkRead(context.Background(), "A", id)
	require.NoError(t, err)
	assert.True(t, first.Updated)
	assert.False(t, second.Updated)
	assert.Equal(t, first.Message.ReadAt, second.Message.ReadAt)
}

func TestMarkReadUnknownMessage(t *testing.T) {
	h := newHarness(t, endpoint.ModeLocal)
	_, err := h.receipts.MarkRead(context.Background(), "A", 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
