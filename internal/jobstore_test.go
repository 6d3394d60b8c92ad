package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eko/gocache/lib/v4/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory store.StoreInterface standing in for postgres.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: map[string][]byte{}} }

func (f *fakeStore) Get(_ context.Context, key any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key.(string)]
	if !ok {
		return nil, store.NotFoundWithCause(errNotFound)
	}
	return v, nil
}

func (f *fakeStore) GetWithTTL(ctx context.Context, key any) (any, time.Duration, error) {
	v, err := f.Get(ctx, key)
	return v, time.Hour, err
}

func (f *fakeStore) Set(_ context.Context, key any, value any, _ ...store.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key.(string)] = value.([]byte)
	return nil
}

func (f *fakeStore) Delete(_ context.Context, key any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key.(string))
	return nil
}

func (f *fakeStore) Invalidate(context.Context, ...store.InvalidateOption) error { return nil }
func (f *fakeStore) Clear(context.Context) error                                { return nil }
func (f *fakeStore) GetType() string                                            { return "fake" }

func TestJobStorePersistsAndRecovers(t *testing.T) {
	ctx := context.Background()
	durable := newFakeStore()

	jobs := NewJobStore(durable)
	running, err := jobs.Open(ctx, FormatCSVGoodreads)
	require.NoError(t, err)
	finished, err := jobs.Open(ctx, FormatJSONHardcover)
	require.NoError(t, err)
	require.NoError(t, jobs.Finalize(ctx, finished.ID, JobCompleted, ImportCounters{Added: 7}, ""))

	// A fresh store after a restart sees both jobs; the one still running is
	// flagged as interrupted.
	reborn := NewJobStore(durable)
	require.NoError(t, reborn.Recover(ctx))

	got, err := reborn.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, JobInterrupted, got.State)
	require.NotNil(t, got.FinishedAt)

	got, err = reborn.Get(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.State)
	assert.Equal(t, int64(7), got.Counters.Added)
}

func TestJobStoreRecoverWithoutDurable(t *testing.T) {
	jobs := NewJobStore(nil)
	assert.NoError(t, jobs.Recover(context.Background()))
	assert.Empty(t, jobs.List(context.Background()))
}

func TestJobStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(nil)

	first, err := jobs.Open(ctx, FormatCSVGeneric)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := jobs.Open(ctx, FormatCSVGeneric)
	require.NoError(t, err)

	list := jobs.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}
