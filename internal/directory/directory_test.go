package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fwdmail/backend/internal/domain"
	"fwdmail/backend/internal/storage/memory"
)

func newTestDirectory(t *testing.T) (*Directory, *memory.Store) {
	t.Helper()
	store := memory.NewStore()

	require.NoError(t, store.SaveDomain(&domain.Domain{
		ID:       "d1",
		Name:     "example.com",
		Status:   domain.DomainStatusVerified,
		IsActive: true,
		CatchAll: "all@real.example",
	}))
	require.NoError(t, store.SaveDomain(&domain.Domain{
		ID:     "d2",
		Name:   "pending.example",
		Status: domain.DomainStatusPending,
	}))
	require.NoError(t, store.SaveAlias(&domain.Alias{
		ID:           "a1",
		DomainID:     "d1",
		LocalPart:    "sales",
		Destinations: []string{"ops@real.example", "boss@real.example"},
		IsActive:     true,
	}))
	require.NoError(t, store.SaveAlias(&domain.Alias{
		ID:           "a2",
		DomainID:     "d1",
		LocalPart:    "disabled",
		Destinations: []string{"nobody@real.example"},
		IsActive:     false,
	}))

	dir, err := New(store, time.Minute, zap.NewNop())
	require.NoError(t, err)
	return dir, store
}

func TestResolveExactAlias(t *testing.T) {
	dir, _ := newTestDirectory(t)
	snap := dir.Snapshot()

	dests, alias, ok := snap.Resolve("example.com", "sales")
	require.True(t, ok)
	require.NotNil(t, alias)
	assert.Equal(t, "a1", alias.ID)
	assert.Equal(t, []string{"ops@real.example", "boss@real.example"}, dests)

	// 大小写不敏感
	dests, _, ok = snap.Resolve("EXAMPLE.COM", "SALES")
	require.True(t, ok)
	assert.Len(t, dests, 2)
}

func TestResolveCatchAllFallback(t *testing.T) {
	dir, _ := newTestDirectory(t)
	snap := dir.Snapshot()

	// 未命中别名走通配
	dests, alias, ok := snap.Resolve("example.com", "anything")
	require.True(t, ok)
	assert.Nil(t, alias)
	assert.Equal(t, []string{"all@real.example"}, dests)

	// 禁用的别名不命中，但通配仍然兜底
	dests, alias, ok = snap.Resolve("example.com", "disabled")
	require.True(t, ok)
	assert.Nil(t, alias)
	assert.Equal(t, []string{"all@real.example"}, dests)
}

func TestResolveMissWithoutCatchAll(t *testing.T) {
	dir, store := newTestDirectory(t)

	require.NoError(t, store.SaveDomain(&domain.Domain{
		ID:       "d3",
		Name:     "nocatch.example",
		Status:   domain.DomainStatusVerified,
		IsActive: true,
	}))
	require.NoError(t, dir.Refresh(context.Background()))

	_, _, ok := dir.Snapshot().Resolve("nocatch.example", "unknown")
	assert.False(t, ok)

	_, _, ok = dir.Snapshot().Resolve("missing.example", "whatever")
	assert.False(t, ok)
}

func TestRefreshBumpsVersionAndPicksUpChanges(t *testing.T) {
	dir, store := newTestDirectory(t)

	v1 := dir.Snapshot().Version
	require.NoError(t, store.SaveAlias(&domain.Alias{
		ID:           "a3",
		DomainID:     "d1",
		LocalPart:    "support",
		Destinations: []string{"help@real.example"},
		IsActive:     true,
	}))

	// 刷新前旧快照不变
	_, _, ok := dir.Snapshot().Resolve("example.com", "support")
	require.True(t, ok, "catch-all still matches before refresh")

	require.NoError(t, dir.Refresh(context.Background()))
	snap := dir.Snapshot()
	assert.Greater(t, snap.Version, v1)

	dests, alias, ok := snap.Resolve("example.com", "support")
	require.True(t, ok)
	require.NotNil(t, alias)
	assert.Equal(t, []string{"help@real.example"}, dests)
}

func TestSnapshotDomainLookup(t *testing.T) {
	dir, _ := newTestDirectory(t)
	snap := dir.Snapshot()

	d, ok := snap.Domain("pending.example")
	require.True(t, ok)
	assert.False(t, d.CanReceive())

	_, ok = snap.Domain("absent.example")
	assert.False(t, ok)
}

func TestNewClampsNonPositiveInterval(t *testing.T) {
	dir, err := New(memory.NewStore(), 0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, defaultRefreshInterval, dir.interval)
}

func TestRefreshHookRunsAfterSwap(t *testing.T) {
	dir, _ := newTestDirectory(t)

	var calls int
	dir.SetRefreshHook(func(context.Context) { calls++ })

	require.NoError(t, dir.Refresh(context.Background()))
	require.NoError(t, dir.Refresh(context.Background()))
	assert.Equal(t, 2, calls)
}
