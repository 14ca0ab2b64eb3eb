package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fwdmail/backend/internal/domain"
	"fwdmail/backend/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewService(store, zap.NewNop()), store
}

func testMessage() *domain.InboundMessage {
	return &domain.InboundMessage{
		MessageID: "m1",
		ThreadID:  "th1",
		From:      "client@other.com",
		Recipient: "sales@example.com",
		Size:      1234,
		Domain:    &domain.Domain{ID: "d1", Name: "example.com"},
		Alias:     &domain.Alias{ID: "a1"},
		Destinations: []string{
			"ops@real.example",
			"boss@real.example",
		},
	}
}

func TestCreateAttemptsFanOut(t *testing.T) {
	svc, store := newTestService(t)

	attempts, err := svc.CreateAttempts(testMessage())
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	for _, a := range attempts {
		assert.Equal(t, domain.AttemptStatusPending, a.Status)
		assert.Equal(t, "m1", a.MessageID)
		assert.Equal(t, "sales@example.com", a.Recipient)
		assert.Zero(t, a.Attempts)

		stored, err := store.GetAttempt(a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.Destination, stored.Destination)
	}
	assert.NotEqual(t, attempts[0].ID, attempts[1].ID)
}

func TestStatusProgressionToDelivered(t *testing.T) {
	svc, store := newTestService(t)
	attempts, err := svc.CreateAttempts(testMessage())
	require.NoError(t, err)
	a := attempts[0]

	require.NoError(t, svc.MarkProcessing(a))
	assert.Equal(t, domain.AttemptStatusProcessing, a.Status)
	assert.Equal(t, 1, a.Attempts)

	require.NoError(t, svc.MarkDelivered(a))
	stored, err := store.GetAttempt(a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusDelivered, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestTerminalStateIsImmutable(t *testing.T) {
	svc, _ := newTestService(t)
	attempts, err := svc.CreateAttempts(testMessage())
	require.NoError(t, err)
	a := attempts[0]

	require.NoError(t, svc.MarkProcessing(a))
	require.NoError(t, svc.MarkBounced(a, "550 no such user"))

	assert.ErrorIs(t, svc.MarkProcessing(a), ErrTerminalState)
	assert.ErrorIs(t, svc.MarkDelivered(a), ErrTerminalState)
	assert.ErrorIs(t, svc.RecordTransientFailure(a, "x", time.Now()), ErrTerminalState)
}

func TestTransientFailureKeepsAttemptRetryable(t *testing.T) {
	svc, store := newTestService(t)
	attempts, err := svc.CreateAttempts(testMessage())
	require.NoError(t, err)
	a := attempts[0]

	require.NoError(t, svc.MarkProcessing(a))
	next := time.Now().UTC().Add(time.Minute)
	require.NoError(t, svc.RecordTransientFailure(a, "451 try later", next))

	stored, err := store.GetAttempt(a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "451 try later", stored.LastError)
	require.NotNil(t, stored.NextRetryAt)

	// 下一轮重试次数继续单调递增
	require.NoError(t, svc.MarkProcessing(a))
	assert.Equal(t, 2, a.Attempts)
}

func TestFanOutIndependence(t *testing.T) {
	svc, store := newTestService(t)
	attempts, err := svc.CreateAttempts(testMessage())
	require.NoError(t, err)
	d1, d2 := attempts[0], attempts[1]

	require.NoError(t, svc.MarkProcessing(d1))
	require.NoError(t, svc.MarkBounced(d1, "550 rejected"))

	// D1 的永久失败不影响 D2
	stored, err := store.GetAttempt(d2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusPending, stored.Status)
	assert.Zero(t, stored.Attempts)

	require.NoError(t, svc.MarkProcessing(d2))
	require.NoError(t, svc.MarkDelivered(d2))
}
