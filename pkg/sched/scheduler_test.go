// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/sched"
)

func TestGroupEnqueueRoundRobin(t *testing.T) {
	g := sched.NewGroup(1)
	t1 := &sched.Thread{ID: 1}
	t2 := &sched.Thread{ID: 2}
	require.NoError(t, g.Enqueue(t1))
	require.NoError(t, g.Enqueue(t2))

	first, ok := g.Next()
	require.True(t, ok)
	second, ok := g.Next()
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID, "round-robin should alternate among runnable threads")
}

func TestGroupRemove(t *testing.T) {
	g := sched.NewGroup(1)
	th := &sched.Thread{ID: 1}
	require.NoError(t, g.Enqueue(th))
	assert.Equal(t, 1, g.Runnable())
	g.Remove(th)
	assert.Equal(t, 0, g.Runnable())
	_, ok := g.Next()
	assert.False(t, ok)
}

func TestSchedulerAlternatesEquallyCreditedGroups(t *testing.T) {
	s := sched.New(logr.Discard())

	a := sched.NewGroup(1)
	b := sched.NewGroup(2)
	require.NoError(t, a.Enqueue(&sched.Thread{ID: 1, Group: a}))
	require.NoError(t, b.Enqueue(&sched.Thread{ID: 2, Group: b}))
	s.AddGroup(a)
	s.AddGroup(b)

	first, g1, ok := s.PickThread()
	require.True(t, ok)
	require.NoError(t, g1.Enqueue(first))
	assert.Greater(t, g1.Priority(), int64(0), "running a group should accrue dynamic priority credit")

	second, g2, ok := s.PickThread()
	require.True(t, ok)
	require.NoError(t, g2.Enqueue(second))

	assert.NotSame(t, g1, g2, "the group that just ran should not run again immediately while its peer is idle")
}

func TestTickDecaysPriority(t *testing.T) {
	s := sched.New(logr.Discard())
	g := sched.NewGroup(1)
	require.NoError(t, g.Enqueue(&sched.Thread{ID: 1, Group: g}))
	s.AddGroup(g)

	picked, _, ok := s.PickThread()
	require.True(t, ok)
	require.NoError(t, g.Enqueue(picked))
	before := g.Priority()
	require.Greater(t, before, int64(0))

	s.Tick()
	assert.Less(t, g.Priority(), before, "aging tick should decay accumulated priority")
}

func TestExecutorRunOneBlocksThread(t *testing.T) {
	s := sched.New(logr.Discard())
	g := sched.NewGroup(1)
	th := &sched.Thread{ID: 1, Group: g}
	require.NoError(t, g.Enqueue(th))
	s.AddGroup(g)

	ex := sched.NewExecutor(0, s)
	ran := ex.RunOne(func(t *sched.Thread) {
		t.State = sched.StateBlocked
	})
	require.True(t, ran)
	assert.Equal(t, 0, g.Runnable())
}

func TestHopRecordsCheckpointAndNotifiesOnDeath(t *testing.T) {
	caller := &sched.Thread{ID: 1, Regs: sched.Regs{SP: 0x1000, IP: 0x2000}}
	target := &sched.Process{ID: 2}

	sched.Hop(caller, 0x5000, 0x9000, target, true)
	assert.Equal(t, uint64(0x5000), caller.Regs.IP)
	require.Len(t, target.Checkpoints, 1)
	assert.Equal(t, uint64(0x2000), target.Checkpoints[0].IP)

	var notified []kerr.Code
	sched.NotifyDeath(target, func(owner *sched.Thread, code kerr.Code) {
		assert.Same(t, caller, owner)
		notified = append(notified, code)
	})
	assert.Equal(t, []kerr.Code{kerr.ServerGone}, notified)
	assert.Empty(t, target.Checkpoints)
}

func TestGroupCapacityExhausted(t *testing.T) {
	g := sched.NewGroup(1)
	for i := 0; i < 1024; i++ {
		require.NoError(t, g.Enqueue(&sched.Thread{ID: uint64(i)}))
	}
	err := g.Enqueue(&sched.Thread{ID: 9999})
	require.Error(t, err)
	assert.Equal(t, kerr.OutOfMemory, kerr.CodeOf(err))
}
