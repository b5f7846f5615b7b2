package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRooms(t *testing.T) {
	t.Parallel()

	t.Run("join and leave report membership changes", func(t *testing.T) {
		r := NewRooms()
		assert.True(t, r.Join("lobby", "c1"))
		assert.False(t, r.Join("lobby", "c1"))
		assert.True(t, r.Join("lobby", "c2"))
		assert.Equal(t, []string{"c1", "c2"}, r.Members("lobby"))
		assert.Equal(t, 2, r.Size("lobby"))

		assert.True(t, r.Leave("lobby", "c1"))
		assert.False(t, r.Leave("lobby", "c1"))
		assert.False(t, r.Leave("nowhere", "c2"))
		assert.Equal(t, []string{"c2"}, r.Members("lobby"))
	})

	t.Run("empty rooms disappear", func(t *testing.T) {
		r := NewRooms()
		r.Join("solo", "c1")
		r.Leave("solo", "c1")
		assert.Empty(t, r.Names())
		assert.Empty(t, r.Members("solo"))
		assert.Empty(t, r.RoomsOf("c1"))
	})

	t.Run("leave all", func(t *testing.T) {
		r := NewRooms()
		r.Join("b", "c1")
		r.Join("a", "c1")
		r.Join("a", "c2")

		assert.Equal(t, []string{"a", "b"}, r.RoomsOf("c1"))
		assert.Equal(t, []string{"a", "b"}, r.LeaveAll("c1"))
		assert.Equal(t, []string{"a"}, r.Names())
		assert.Equal(t, []string{"c2"}, r.Members("a"))
		assert.Empty(t, r.LeaveAll("c1"))
	})
}
