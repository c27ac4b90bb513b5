package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twinloop/internal/store"
)

type fakeChannel struct {
	sent    []store.Message
	failIDs map[string]bool
	err     error
}

func (f *fakeChannel) Send(ctx context.Context, msg store.Message) (Result, error) {
	if f.err != nil {
		return Result{}, f.err
	}
	if f.failIDs[msg.ID] {
		return Result{Success: false, Error: "provider rejected"}, nil
	}
	f.sent = append(f.sent, msg)
	return Result{Success: true, ProviderMessageID: "prov-" + msg.ID}, nil
}

func newTestDispatcher(t *testing.T, ch Channel) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewDispatcher(st, ch), st
}

func queueMessages(t *testing.T, st *store.Store, userID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("msg-%d", i)
		require.NoError(t, st.InsertMessage(&store.Message{
			ID:      id,
			UserID:  userID,
			Type:    store.MessageProactiveQuestion,
			Content: fmt.Sprintf("question %d", i),
		}))
		ids = append(ids, id)
	}
	return ids
}

func TestDispatchDeliversOldestFirst(t *testing.T) {
	ch := &fakeChannel{}
	d, st := newTestDispatcher(t, ch)
	queueMessages(t, st, "u1", 3)

	result, err := d.Dispatch(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 3, result.Delivered)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, ch.sent, 3)
	assert.Equal(t, "msg-0", ch.sent[0].ID)

	pending, err := st.CountPendingMessages("u1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestDispatchRespectsLimit(t *testing.T) {
	ch := &fakeChannel{}
	d, st := newTestDispatcher(t, ch)
	queueMessages(t, st, "u1", 5)

	result, err := d.Dispatch(context.Background(), "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)

	pending, err := st.CountPendingMessages("u1")
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestDispatchKeepsFailedMessagesQueued(t *testing.T) {
	ch := &fakeChannel{failIDs: map[string]bool{"msg-1": true}}
	d, st := newTestDispatcher(t, ch)
	queueMessages(t, st, "u1", 3)

	result, err := d.Dispatch(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Failed)

	pending, err := st.CountPendingMessages("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDispatchSendErrorKeepsQueued(t *testing.T) {
	ch := &fakeChannel{err: errors.New("transport down")}
	d, st := newTestDispatcher(t, ch)
	queueMessages(t, st, "u1", 2)

	result, err := d.Dispatch(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 0, result.Delivered)

	pending, err := st.CountPendingMessages("u1")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestDispatchCancelledContext(t *testing.T) {
	ch := &fakeChannel{}
	d, st := newTestDispatcher(t, ch)
	queueMessages(t, st, "u1", 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, "u1", 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoopChannelReportsNotSent(t *testing.T) {
	result, err := NoopChannel{}.Send(context.Background(), store.Message{ID: "m"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestDispatchEmptyQueue(t *testing.T) {
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(t, ch)

	result, err := d.Dispatch(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted)
}
