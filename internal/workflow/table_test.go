package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type meta struct {
	owner int64
}

var errWrongOwner = errors.New("wrong owner")

func ownerGuard(user int64) func(meta) error {
	return func(m meta) error {
		if m.owner != user {
			return errWrongOwner
		}
		return nil
	}
}

func TestTableResolveDeliversOnce(t *testing.T) {
	table := NewTable[meta, string](0)
	entry, err := table.Register("w1", meta{owner: 1}, Options[meta, string]{})
	require.NoError(t, err)

	taken, err := table.Take("w1", ownerGuard(1))
	require.NoError(t, err)
	taken.Complete("yes", nil)
	taken.Complete("again", nil)

	got, err := entry.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "yes", got)
	assert.Equal(t, 0, table.Len())
}

func TestTableGuardFailureLeavesEntryPending(t *testing.T) {
	table := NewTable[meta, string](0)
	_, err := table.Register("w1", meta{owner: 1}, Options[meta, string]{})
	require.NoError(t, err)

	_, err = table.Take("w1", ownerGuard(2))
	assert.ErrorIs(t, err, errWrongOwner)
	assert.Equal(t, 1, table.Len())

	_, err = table.Take("w1", ownerGuard(1))
	assert.NoError(t, err)
}

func TestTableNotFoundAndAlreadyResolved(t *testing.T) {
	table := NewTable[meta, string](0)

	_, err := table.Take("missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrAlreadyResolved)

	_, err = table.Register("w1", meta{}, Options[meta, string]{})
	require.NoError(t, err)
	_, err = table.Take("w1", nil)
	require.NoError(t, err)

	_, err = table.Take("w1", nil)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "already resolved", err.Error())
}

func TestTableRegisterDuplicate(t *testing.T) {
	table := NewTable[meta, string](0)
	_, err := table.Register("w1", meta{}, Options[meta, string]{})
	require.NoError(t, err)
	_, err = table.Register("w1", meta{}, Options[meta, string]{})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestTableTimeout(t *testing.T) {
	table := NewTable[meta, string](0)
	entry, err := table.Register("w1", meta{}, Options[meta, string]{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = entry.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	_, err = table.Take("w1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTableTimeoutHookProducesOutcome(t *testing.T) {
	table := NewTable[meta, string](0)
	entry, err := table.Register("w1", meta{owner: 5}, Options[meta, string]{
		Timeout: 20 * time.Millisecond,
		OnTimeout: func(id string, m meta) Outcome[string] {
			return Outcome[string]{Value: "default"}
		},
	})
	require.NoError(t, err)

	got, err := entry.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", got)
}

func TestTableCancel(t *testing.T) {
	table := NewTable[meta, string](0)
	entry, err := table.Register("w1", meta{}, Options[meta, string]{})
	require.NoError(t, err)

	assert.True(t, table.Cancel("w1", nil))
	assert.False(t, table.Cancel("w1", nil))

	_, err = entry.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestTableWaitContextCancelRemovesEntry(t *testing.T) {
	table := NewTable[meta, string](0)
	entry, err := table.Register("w1", meta{}, Options[meta, string]{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = entry.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, table.Len())
}

func TestTableConcurrentTakeExactlyOnce(t *testing.T) {
	table := NewTable[meta, int](0)
	entry, err := table.Register("w1", meta{owner: 1}, Options[meta, int]{})
	require.NoError(t, err)

	var wins, resolvedErrs atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := table.Take("w1", ownerGuard(1))
			if err != nil {
				if errors.Is(err, ErrAlreadyResolved) {
					resolvedErrs.Add(1)
				}
				return
			}
			wins.Add(1)
			e.Complete(i, nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), resolvedErrs.Load())
	_, err = entry.Wait(context.Background())
	assert.NoError(t, err)
}

func TestTablePruneForgetsOldTombstones(t *testing.T) {
	table := NewTable[meta, string](time.Minute)
	now := time.Now()
	table.now = func() time.Time { return now }

	_, err := table.Register("old", meta{}, Options[meta, string]{})
	require.NoError(t, err)
	_, err = table.Take("old", nil)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = table.Register("new", meta{}, Options[meta, string]{})
	require.NoError(t, err)
	_, err = table.Take("new", nil)
	require.NoError(t, err)

	_, err = table.Take("old", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrAlreadyResolved)
}
