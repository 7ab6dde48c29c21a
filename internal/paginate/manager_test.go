package paginate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeItems(n int) []json.RawMessage {
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
	}
	return items
}

func TestPagesCoverAllItemsOnce(t *testing.T) {
	m := NewManager(10, time.Minute, 0)
	ctx := context.Background()

	page, err := m.First(ctx, "key", 0, func(context.Context) ([]json.RawMessage, error) {
		return makeItems(35), nil
	})
	require.NoError(t, err)

	var seen []json.RawMessage
	for {
		seen = append(seen, page.Items...)
		assert.Equal(t, 35, page.Total)
		if page.NextCursor == "" {
			break
		}
		page, err = m.Next(page.NextCursor)
		require.NoError(t, err)
	}

	require.Len(t, seen, 35)
	for i, item := range seen {
		assert.JSONEq(t, fmt.Sprintf(`{"i":%d}`, i), string(item))
	}
}

func TestCursorRedeliveryIsIdempotent(t *testing.T) {
	m := NewManager(10, time.Minute, 0)
	ctx := context.Background()

	first, err := m.First(ctx, "key", 0, func(context.Context) ([]json.RawMessage, error) {
		return makeItems(25), nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.NextCursor)

	p1, err := m.Next(first.NextCursor)
	require.NoError(t, err)
	p2, err := m.Next(first.NextCursor)
	require.NoError(t, err)

	assert.Equal(t, p1.Offset, p2.Offset)
	assert.Equal(t, p1.Items, p2.Items)
	assert.Equal(t, p1.NextCursor, p2.NextCursor)
}

func TestLastPageHasNoCursor(t *testing.T) {
	m := NewManager(10, time.Minute, 0)
	ctx := context.Background()

	page, err := m.First(ctx, "key", 0, func(context.Context) ([]json.RawMessage, error) {
		return makeItems(10), nil
	})
	require.NoError(t, err)
	assert.Len(t, page.Items, 10)
	assert.Empty(t, page.NextCursor)
}

func TestEmptyResult(t *testing.T) {
	m := NewManager(10, time.Minute, 0)
	ctx := context.Background()

	page, err := m.First(ctx, "key", 0, func(context.Context) ([]json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 0, page.Total)
	assert.Empty(t, page.NextCursor)
}

func TestExecuteErrorCachesNothing(t *testing.T) {
	m := NewManager(10, time.Minute, 0)
	ctx := context.Background()

	calls := 0
	run := func(context.Context) ([]json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("upstream down")
		}
		return makeItems(5), nil
	}

	_, err := m.First(ctx, "key", 0, run)
	require.Error(t, err)

	page, err := m.First(ctx, "key", 0, run)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, calls)
}

func TestCorruptTokenExpires(t *testing.T) {
	m := NewManager(10, time.Minute, 0)

	var cursorErr *CursorExpiredError
	_, err := m.Next("not-a-valid-token!!!")
	require.ErrorAs(t, err, &cursorErr)

	_, err = m.Next("aGVsbG8")
	require.ErrorAs(t, err, &cursorErr)
}

func TestExpiredSnapshot(t *testing.T) {
	m := NewManager(10, time.Millisecond, 0)
	ctx := context.Background()

	page, err := m.First(ctx, "key", 0, func(context.Context) ([]json.RawMessage, error) {
		return makeItems(25), nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, page.NextCursor)

	time.Sleep(5 * time.Millisecond)

	var cursorErr *CursorExpiredError
	_, err = m.Next(page.NextCursor)
	require.ErrorAs(t, err, &cursorErr)
}

func TestRecaptureInvalidatesOldCursors(t *testing.T) {
	m := NewManager(10, time.Minute, 0)
	ctx := context.Background()

	first, err := m.First(ctx, "key", 0, func(context.Context) ([]json.RawMessage, error) {
		return makeItems(25), nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.NextCursor)

	// A cursorless re-run of the same query replaces the live snapshot.
	// Cursors issued against the old capture must expire rather than
	// silently paging through the new items.
	second, err := m.First(ctx, "key", 0, func(context.Context) ([]json.RawMessage, error) {
		return makeItems(30), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 30, second.Total)

	var cursorErr *CursorExpiredError
	_, err = m.Next(first.NextCursor)
	require.ErrorAs(t, err, &cursorErr)

	page, err := m.Next(second.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, 30, page.Total)
	assert.Equal(t, 10, page.Offset)
}

func TestSnapshotEviction(t *testing.T) {
	m := NewManager(10, time.Minute, 2)
	ctx := context.Background()

	var cursors []string
	for i := 0; i < 3; i++ {
		page, err := m.First(ctx, fmt.Sprintf("key-%d", i), 0, func(context.Context) ([]json.RawMessage, error) {
			return makeItems(25), nil
		})
		require.NoError(t, err)
		cursors = append(cursors, page.NextCursor)
	}

	// The oldest snapshot fell out of the cache.
	var cursorErr *CursorExpiredError
	_, err := m.Next(cursors[0])
	require.ErrorAs(t, err, &cursorErr)

	_, err = m.Next(cursors[2])
	require.NoError(t, err)
}

func TestSnapshotKeyIgnoresArgumentKeyOrder(t *testing.T) {
	a := SnapshotKey("tool", 19723, json.RawMessage(`{"a": 1, "b": 2}`))
	b := SnapshotKey("tool", 19723, json.RawMessage(`{"b": 2, "a": 1}`))
	assert.Equal(t, a, b)

	c := SnapshotKey("tool", 19724, json.RawMessage(`{"a": 1, "b": 2}`))
	assert.NotEqual(t, a, c)

	d := SnapshotKey("other", 19723, json.RawMessage(`{"a": 1, "b": 2}`))
	assert.NotEqual(t, a, d)
}

func TestFirstDedupesConcurrentRuns(t *testing.T) {
	m := NewManager(10, time.Minute, 0)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0

	go func() {
		m.First(ctx, "key", 0, func(context.Context) ([]json.RawMessage, error) {
			calls++
			close(started)
			<-release
			return makeItems(5), nil
		})
	}()

	<-started
	type result struct {
		page *Page
		err  error
	}
	done := make(chan result)
	go func() {
		p, err := m.First(ctx, "key", 0, func(context.Context) ([]json.RawMessage, error) {
			calls++
			return makeItems(5), nil
		})
		done <- result{p, err}
	}()

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 5, res.page.Total)
	assert.Equal(t, 1, calls)
}
