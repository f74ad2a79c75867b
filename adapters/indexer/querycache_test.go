package indexer

import (
	"context"
	"errors"
	"testing"

	"github.com/layer-3/compact/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X, Y int
}

func TestQueryCacheSuppressesEqualResults(t *testing.T) {
	c := NewQueryCache[[]point](0)
	ctx := context.Background()

	first, changed, err := c.Query(ctx, "k", func(context.Context, string) ([]point, string, bool, error) {
		return []point{{1, 2}}, "", false, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)

	second, changed, err := c.Query(ctx, "k", func(context.Context, string) ([]point, string, bool, error) {
		return []point{{1, 2}}, "", false, nil
	})
	require.NoError(t, err)
	assert.False(t, changed)
	// the previously returned slice is handed back, not the fresh copy
	assert.Same(t, &first[0], &second[0])

	third, changed, err := c.Query(ctx, "k", func(context.Context, string) ([]point, string, bool, error) {
		return []point{{1, 3}}, "", false, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []point{{1, 3}}, third)
}

func TestQueryCacheValidator(t *testing.T) {
	c := NewQueryCache[[]point](0)
	ctx := context.Background()

	var seen []string
	fetch := func(notModified bool, etag string, v []point) Fetcher[[]point] {
		return func(_ context.Context, validator string) ([]point, string, bool, error) {
			seen = append(seen, validator)
			return v, etag, notModified, nil
		}
	}

	_, _, err := c.Query(ctx, "k", fetch(false, `"v1"`, []point{{1, 1}}))
	require.NoError(t, err)

	v, changed, err := c.Query(ctx, "k", fetch(true, `"v1"`, nil))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []point{{1, 1}}, v)

	_, _, err = c.Query(ctx, "k", fetch(false, `"v2"`, []point{{1, 1}}))
	require.NoError(t, err)
	_, _, err = c.Query(ctx, "k", fetch(true, `"v2"`, nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"", `"v1"`, `"v1"`, `"v2"`}, seen)
}

func TestQueryCacheErrorsPropagate(t *testing.T) {
	c := NewQueryCache[[]point](0)
	ctx := context.Background()
	boom := errors.New("boom")

	_, _, err := c.Query(ctx, "k", func(context.Context, string) ([]point, string, bool, error) {
		return []point{{1, 1}}, "", false, nil
	})
	require.NoError(t, err)

	v, changed, err := c.Query(ctx, "k", func(context.Context, string) ([]point, string, bool, error) {
		return nil, "", false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, changed)
	assert.Nil(t, v)
}

func TestQueryCacheNotModifiedWithoutEntry(t *testing.T) {
	c := NewQueryCache[[]point](0)
	_, _, err := c.Query(context.Background(), "k", func(context.Context, string) ([]point, string, bool, error) {
		return nil, "", true, nil
	})
	assert.ErrorIs(t, err, core.ErrMalformedResponse)
}

func TestQueryCacheKeysAreIndependent(t *testing.T) {
	c := NewQueryCache[[]point](0)
	ctx := context.Background()
	one := func(context.Context, string) ([]point, string, bool, error) {
		return []point{{1, 1}}, "", false, nil
	}

	_, changed, err := c.Query(ctx, "a", one)
	require.NoError(t, err)
	assert.True(t, changed)
	_, changed, err = c.Query(ctx, "b", one)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, c.Len())

	c.Flush()
	assert.Equal(t, 0, c.Len())
}

func TestQueryCacheEmptyEqualsNil(t *testing.T) {
	c := NewQueryCache[[]point](0)
	ctx := context.Background()

	_, _, err := c.Query(ctx, "k", func(context.Context, string) ([]point, string, bool, error) {
		return []point{}, "", false, nil
	})
	require.NoError(t, err)
	_, changed, err := c.Query(ctx, "k", func(context.Context, string) ([]point, string, bool, error) {
		return nil, "", false, nil
	})
	require.NoError(t, err)
	assert.False(t, changed)
}
