package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New()
	a := q.Enqueue("first")
	q.Enqueue("second")

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, 2, q.Len())

	head, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, a.ID, head.ID)

	got, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "first", got.Content)

	got, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "second", got.Content)

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = q.Peek()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueue_RemoveAndClear(t *testing.T) {
	q := New()
	q.Enqueue("a")
	b := q.Enqueue("b")
	q.Enqueue("c")

	assert.True(t, q.Remove(b.ID))
	assert.False(t, q.Remove(b.ID))

	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Content)
	assert.Equal(t, "c", items[1].Content)

	q.Clear()
	assert.Equal(t, 0, q.Len())
}
