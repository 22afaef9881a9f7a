// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kerr_test

import (
	"testing"

	"github.com/norostb/kernel/pkg/kerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, kerr.OK, kerr.CodeOf(nil))
	assert.Equal(t, kerr.NotFound, kerr.CodeOf(kerr.Of(kerr.NotFound, "no such handle")))
	assert.Equal(t, kerr.InvalidOperation, kerr.CodeOf(kerr.New("plain stdlib error")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := kerr.New("disk exploded")
	err := kerr.Ofw(kerr.OutOfMemory, "frame alloc", cause)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, kerr.OutOfMemory, kerr.CodeOf(err))
}

func TestRetryable(t *testing.T) {
	err := kerr.NewRetryable(kerr.RingFull, "submission ring full")
	assert.True(t, kerr.Retryable(err))
	assert.Equal(t, kerr.RingFull, kerr.CodeOf(err))

	assert.False(t, kerr.Retryable(kerr.Of(kerr.InvalidHandle, "bad handle")))
}
