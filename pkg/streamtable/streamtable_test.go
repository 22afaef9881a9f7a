// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package streamtable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/streamtable"
)

func TestOpenThenReadServe(t *testing.T) {
	// A serving process answers an Open, then a Read with inline payload.
	tbl, err := streamtable.New(64, 64*1024)
	require.NoError(t, err)

	id1, err := tbl.PushRequest(streamtable.OpOpen, 1, 0)
	require.NoError(t, err)

	req, ok := tbl.PopRequest()
	require.True(t, ok)
	assert.Equal(t, id1, req.ID)
	assert.Equal(t, streamtable.OpOpen, req.Op)

	require.NoError(t, tbl.PostResponse(streamtable.ResponseSlot{ID: id1, Kind: streamtable.RespHandle, Handle: 7}))

	resp, ok := tbl.ConsumeResponse()
	require.True(t, ok)
	assert.Equal(t, uint32(7), resp.Handle)

	id2, err := tbl.PushRequest(streamtable.OpRead, 7, 1024)
	require.NoError(t, err)
	req2, ok := tbl.PopRequest()
	require.True(t, ok)

	s, err := tbl.AllocBuffer(1024)
	require.NoError(t, err)
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, tbl.WriteBuffer(s, payload))
	require.NoError(t, tbl.PostResponse(streamtable.ResponseSlot{ID: req2.ID, Kind: streamtable.RespSlice, Slice: s}))

	resp2, ok := tbl.ConsumeResponse()
	require.True(t, ok)
	assert.Equal(t, id2, resp2.ID)

	got, err := tbl.ReadBuffer(resp2.Slice)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPostResponseUnknownIDRejected(t *testing.T) {
	tbl, err := streamtable.New(8, 4096)
	require.NoError(t, err)
	err = tbl.PostResponse(streamtable.ResponseSlot{ID: 999, Kind: streamtable.RespRaw})
	require.Error(t, err)
	assert.Equal(t, kerr.InvalidArgument, kerr.CodeOf(err))
}

func TestRequestRingFullIsRetryable(t *testing.T) {
	tbl, err := streamtable.New(2, 4096)
	require.NoError(t, err)
	_, err = tbl.PushRequest(streamtable.OpRead, 1, 0)
	require.NoError(t, err)
	_, err = tbl.PushRequest(streamtable.OpRead, 1, 0)
	require.NoError(t, err)
	_, err = tbl.PushRequest(streamtable.OpRead, 1, 0)
	require.Error(t, err)
	assert.Equal(t, kerr.RingFull, kerr.CodeOf(err))
	assert.True(t, kerr.Retryable(err))
}

func TestCloseYieldsOutstandingIDs(t *testing.T) {
	tbl, err := streamtable.New(8, 4096)
	require.NoError(t, err)
	id, err := tbl.PushRequest(streamtable.OpRead, 1, 0)
	require.NoError(t, err)

	pending := tbl.Close()
	assert.Contains(t, pending, id)

	_, err = tbl.PushRequest(streamtable.OpRead, 1, 0)
	require.Error(t, err)
	assert.Equal(t, kerr.ServerGone, kerr.CodeOf(err))
}

func TestArenaReusesFreedBlocks(t *testing.T) {
	tbl, err := streamtable.New(8, 256)
	require.NoError(t, err)
	id, err := tbl.PushRequest(streamtable.OpRead, 1, 0)
	require.NoError(t, err)
	_, _ = tbl.PopRequest()

	s1, err := tbl.AllocBuffer(64)
	require.NoError(t, err)
	require.NoError(t, tbl.PostResponse(streamtable.ResponseSlot{ID: id, Kind: streamtable.RespSlice, Slice: s1}))
	_, ok := tbl.ConsumeResponse()
	require.True(t, ok)

	id2, err := tbl.PushRequest(streamtable.OpRead, 1, 0)
	require.NoError(t, err)
	_, _ = tbl.PopRequest()
	s2, err := tbl.AllocBuffer(64)
	require.NoError(t, err)
	require.NoError(t, tbl.PostResponse(streamtable.ResponseSlot{ID: id2, Kind: streamtable.RespSlice, Slice: s2}))
	assert.Equal(t, s1.Offset, s2.Offset, "freed block should be reused before bumping further")
}

func TestBufferBoundsEnforced(t *testing.T) {
	tbl, err := streamtable.New(8, 16)
	require.NoError(t, err)
	err = tbl.WriteBuffer(streamtable.Slice{Offset: 8, Length: 16}, make([]byte, 16))
	require.Error(t, err)
	assert.Equal(t, kerr.InvalidArgument, kerr.CodeOf(err))
}
