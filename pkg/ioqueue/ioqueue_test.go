// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ioqueue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norostb/kernel/pkg/ioqueue"
	"github.com/norostb/kernel/pkg/kerr"
)

func TestSubmitDrainPostPoll(t *testing.T) {
	q, err := ioqueue.New(4, 4)
	require.NoError(t, err)

	e := ioqueue.SubmissionEntry{Opcode: ioqueue.OpNop, UserData: 42}
	require.NoError(t, q.Submit(e))

	n := q.Drain(func(got ioqueue.SubmissionEntry) {
		assert.Equal(t, uint64(42), got.UserData)
		require.NoError(t, q.Post(got.UserData, 7))
	})
	assert.Equal(t, 1, n)

	out := make([]ioqueue.CompletionEntry, 4)
	got := q.Poll(out)
	require.Equal(t, 1, got)
	assert.Equal(t, uint64(42), out[0].UserData)
	assert.Equal(t, uint64(7), out[0].Result)
}

func TestSubmissionRingFullIsRetryable(t *testing.T) {
	q, err := ioqueue.New(2, 2)
	require.NoError(t, err)

	require.NoError(t, q.Submit(ioqueue.SubmissionEntry{UserData: 1}))
	require.NoError(t, q.Submit(ioqueue.SubmissionEntry{UserData: 2}))

	err = q.Submit(ioqueue.SubmissionEntry{UserData: 3})
	require.Error(t, err)
	assert.Equal(t, kerr.RingFull, kerr.CodeOf(err))
	assert.True(t, kerr.Retryable(err))
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := ioqueue.New(3, 4)
	require.Error(t, err)
	assert.Equal(t, kerr.InvalidArgument, kerr.CodeOf(err))
}

func TestWaitIoQueueWakesOnCompletion(t *testing.T) {
	q, err := ioqueue.New(4, 4)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		out := make([]ioqueue.CompletionEntry, 1)
		n, err := q.WaitIoQueue(out, 2*time.Second)
		assert.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, uint64(99), out[0].UserData)
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter block on an empty ring
	require.NoError(t, q.Post(99, 1))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIoQueue did not wake on completion")
	}
}

func TestWaitIoQueueTimesOut(t *testing.T) {
	q, err := ioqueue.New(4, 4)
	require.NoError(t, err)

	out := make([]ioqueue.CompletionEntry, 1)
	n, err := q.WaitIoQueue(out, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, kerr.Timeout, kerr.CodeOf(err))
	assert.Equal(t, 0, n)
}

func TestCancelRacesWithCompletion(t *testing.T) {
	q, err := ioqueue.New(4, 4)
	require.NoError(t, err)

	require.NoError(t, q.Submit(ioqueue.SubmissionEntry{UserData: 5}))
	q.Drain(func(ioqueue.SubmissionEntry) {}) // mark in-flight, don't complete yet

	require.NoError(t, q.Cancel(5))

	err = q.Cancel(5)
	require.Error(t, err)
	assert.Equal(t, kerr.AlreadyCompleted, kerr.CodeOf(err))
}

func TestDoIoSynchronousRoundTrip(t *testing.T) {
	q, err := ioqueue.New(4, 4)
	require.NoError(t, err)

	result, err := q.DoIo(ioqueue.SubmissionEntry{UserData: 1}, func(e ioqueue.SubmissionEntry) {
		require.NoError(t, q.Post(e.UserData, 123))
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(123), result)
}
