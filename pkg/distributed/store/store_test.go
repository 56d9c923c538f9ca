// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestServer(t *testing.T) *Server {
	s, err := NewServer("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dial(t *testing.T, s *Server) *Client {
	c, err := Dial(context.Background(), s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	assert.Greater(t, s.Port(), 0)
	c := dial(t, s)

	require.NoError(t, c.Set(ctx, "model_update_flag", "True"))
	v, err := c.Get(ctx, "model_update_flag")
	require.NoError(t, err)
	assert.Equal(t, "True", v)

	require.NoError(t, c.SetFloat(ctx, "loss:train-0", 0.125))
	f, err := c.GetFloat(ctx, "loss:train-0")
	require.NoError(t, err)
	assert.Equal(t, 0.125, f)
	_, err = c.GetFloat(ctx, "model_update_flag")
	assert.Error(t, err)

	n, err := c.NumKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, err := c.Delete(ctx, "model_update_flag")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = c.Delete(ctx, "model_update_flag")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLargeValue(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	c := dial(t, s)
	value := strings.Repeat("0.123456789,", 100_000)
	require.NoError(t, c.Set(ctx, "allreduce/1/0", value))
	v, err := c.Get(ctx, "allreduce/1/0")
	require.NoError(t, err)
	assert.Equal(t, value, v)
}

func TestBlockingGet(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	reader, writer := dial(t, s), dial(t, s)

	result := make(chan string, 1)
	go func() {
		v, err := reader.Get(ctx, "model_filename")
		assert.NoError(t, err)
		result <- v
	}()
	select {
	case <-result:
		t.Fatal("Get returned before the key was set")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, writer.Set(ctx, "model_filename", "/tmp/best"))
	select {
	case v := <-result:
		assert.Equal(t, "/tmp/best", v)
	case <-time.After(5 * time.Second):
		t.Fatal("Get not released by Set")
	}

	require.NoError(t, writer.Set(ctx, "a", "1"))
	done := make(chan error, 1)
	go func() { done <- reader.Wait(ctx, "a", "b") }()
	require.NoError(t, writer.Set(ctx, "b", "2"))
	require.NoError(t, <-done)
}

func TestTimeout(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	c.SetTimeout(50 * time.Millisecond)
	_, err := c.Get(context.Background(), "never")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Wait(ctx, "never")
	assert.Error(t, err)
}

func TestAddConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	const numClients, numAdds = 4, 25
	var wg sync.WaitGroup
	for range numClients {
		c := dial(t, s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range numAdds {
				_, err := c.Add(ctx, "counter", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	c := dial(t, s)
	total, err := c.Add(ctx, "counter", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(numClients*numAdds), total)
}

func TestClosed(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	err := c.Set(context.Background(), "k", "v")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	master, err := New(ctx, "127.0.0.1", 0, 1, true)
	require.NoError(t, err)
	port := master.server.Port()
	require.NoError(t, master.Close())

	// With 3 processes, New returns only after all joined. The followers may start first.
	var g errgroup.Group
	clients := make([]*Client, 3)
	for rank := range 3 {
		g.Go(func() error {
			c, err := New(ctx, "127.0.0.1", port, 3, rank == 0)
			clients[rank] = c
			return err
		})
	}
	require.NoError(t, g.Wait())
	v, err := clients[2].Get(ctx, joinedKey)
	require.NoError(t, err)
	assert.Equal(t, "3", v)
	for rank := 2; rank >= 0; rank-- {
		require.NoError(t, clients[rank].Close())
	}
}
