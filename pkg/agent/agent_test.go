package agent

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDrainSuccess(t *testing.T) {
	var delivered int32
	q := New(func(target string, rpc RPC) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	})
	q.Enqueue("n1", RPC{Opcode: 1})
	q.Drain()
	assert.Equal(t, int32(1), delivered)
	assert.Equal(t, 0, q.Len())
}

func TestDrainRetriesOnFailure(t *testing.T) {
	q := New(func(target string, rpc RPC) error {
		return errors.New("unreachable")
	})
	q.Enqueue("n1", RPC{Opcode: 1})
	q.Drain()
	assert.Equal(t, 1, q.Len(), "failed delivery should remain queued for retry")
}

func TestExhaustedRetriesInvokeOnExhausted(t *testing.T) {
	q := New(func(target string, rpc RPC) error {
		return errors.New("unreachable")
	})
	var exhausted bool
	q.OnExhausted = func(target string, rpc RPC) { exhausted = true }

	q.Enqueue("n1", RPC{Opcode: 1})
	e := q.entries[0]
	e.attempts = MaxRetries + 1
	e.nextTry = e.nextTry.Add(0)

	q.Drain()
	require.True(t, exhausted)
	assert.Equal(t, 0, q.Len())
}
