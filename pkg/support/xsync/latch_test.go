// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	released := make(chan struct{})
	go func() {
		l.Wait()
		close(released)
	}()
	select {
	case <-released:
		t.Fatal("latch released before Trigger")
	case <-time.After(10 * time.Millisecond):
	}
	l.Trigger()
	l.Trigger() // No-op.
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("latch not released after Trigger")
	}
	assert.True(t, l.Test())
}
