package audit

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsStrictlyIncreasingSeq(t *testing.T) {
	l := NewLog()

	e0 := l.Append(KindSessionOpened, "sess-1", "", "", nil)
	e1 := l.Append(KindSwapExecuted, "sess-1", "prop-1", "", nil)
	e2 := l.Append(KindSwapRejected, "sess-1", "prop-2", "max_trade_size", nil)

	assert.Equal(t, uint64(0), e0.Seq)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)

	entries := l.Entries()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Seq)
	}
}

func TestEntriesForSession(t *testing.T) {
	l := NewLog()
	l.Append(KindSessionOpened, "sess-1", "", "", nil)
	l.Append(KindSessionOpened, "sess-2", "", "", nil)
	l.Append(KindSwapExecuted, "sess-1", "prop-1", "", nil)

	assert.Len(t, l.EntriesForSession("sess-1"), 2)
	assert.Len(t, l.EntriesForSession("sess-2"), 1)
	assert.Empty(t, l.EntriesForSession("sess-3"))
}

func TestConcurrentAppendTotalOrder(t *testing.T) {
	l := NewLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(KindSwapSimulated, "sess-1", "", "", nil)
		}()
	}
	wg.Wait()

	entries := l.Entries()
	require.Len(t, entries, 50)
	seen := make(map[uint64]bool, 50)
	for _, e := range entries {
		assert.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
		seen[e.Seq] = true
	}
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) RecordAudit(Entry) error {
	f.calls++
	return errors.New("db down")
}

func TestRecorderFailureDoesNotBlock(t *testing.T) {
	rec := &failingRecorder{}
	l := NewLog(WithRecorder(rec))

	l.Append(KindSessionOpened, "sess-1", "", "", nil)
	l.Append(KindSwapExecuted, "sess-1", "prop-1", "", nil)

	assert.Equal(t, 2, rec.calls)
	assert.Equal(t, 2, l.Len())
}
