package metadata

import (
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])
	assert.Len(t, clone, 2)

	var empty Metadata
	require.NotNil(t, empty.Clone())
}

func TestWithAndNew(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	assert.NotContains(t, base, "baz")
	assert.Equal(t, "qux", enriched["baz"])

	md := New("key", "value", "dangling")
	assert.Equal(t, Metadata{"key": "value"}, md)
}

func TestWatermillConversions(t *testing.T) {
	md := Metadata{"target": "room:lobby"}
	wm := ToWatermill(md)
	wm["target"] = "all"
	assert.Equal(t, "room:lobby", md["target"])

	assert.Equal(t, Metadata{"target": "all"}, FromWatermill(message.Metadata{"target": "all"}))
	assert.NotNil(t, FromWatermill(nil))
	assert.NotNil(t, ToWatermill(nil))
}

func TestStore(t *testing.T) {
	s := NewStore()
	s.Set("user", "ada")

	v, ok := Lookup[string](s, "user")
	require.True(t, ok)
	assert.Equal(t, "ada", v)

	_, ok = Lookup[int](s, "user")
	assert.False(t, ok)

	s.Delete("user")
	_, ok = s.Get("user")
	assert.False(t, ok)

	var zero Store
	zero.Set("k", 1)
	assert.Equal(t, map[string]any{"k": 1}, zero.Snapshot())
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Set("k", i)
			_, _ = s.Get("k")
			_ = s.Snapshot()
		}(i)
	}
	wg.Wait()
	_, ok := s.Get("k")
	assert.True(t, ok)
}
