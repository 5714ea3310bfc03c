package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickupQueue(t *testing.T) {
	q := newPickupQueue()
	for _, id := range []string{"a", "b", "c"} {
		q.push(&pickupEntry{cmd: PendingCommand{ID: id}, notify: make(chan struct{}, 1)})
	}
	assert.Equal(t, 3, q.len())

	assert.True(t, q.remove("b"))
	assert.False(t, q.remove("b"), "second remove is a no-op")

	e, ok := q.popOldest()
	require.True(t, ok)
	assert.Equal(t, "a", e.cmd.ID)

	e, ok = q.popOldest()
	require.True(t, ok)
	assert.Equal(t, "c", e.cmd.ID)

	_, ok = q.popOldest()
	assert.False(t, ok)
}

func TestPickupQueue_Drain(t *testing.T) {
	q := newPickupQueue()
	q.push(&pickupEntry{cmd: PendingCommand{ID: "a"}})
	q.push(&pickupEntry{cmd: PendingCommand{ID: "b"}})

	drained := q.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].cmd.ID)
	assert.Equal(t, "b", drained[1].cmd.ID)
	assert.Zero(t, q.len())
}

func TestCorrelationTable(t *testing.T) {
	tbl := newCorrelationTable()
	ch := make(chan json.RawMessage, 1)
	tbl.insert("id", ch)
	assert.Equal(t, 1, tbl.len())

	got, ok := tbl.take("id")
	require.True(t, ok)
	assert.Equal(t, ch, got)

	_, ok = tbl.take("id")
	assert.False(t, ok)
	assert.Zero(t, tbl.len())
}
