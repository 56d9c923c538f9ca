// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Client connection to a store Server. It's safe for concurrent use.
type Client struct {
	addr    string
	conn    *websocket.Conn
	timeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *response
	readErr error
	closed  bool

	// server is set if this client owns the server, and closes it with the client.
	server *Server
}

// Dial connects to the store Server at addr ("host:port").
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+Path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to store at %q", addr)
	}
	conn.SetReadLimit(MaxMessageBytes)
	c := &Client{
		addr:    addr,
		conn:    conn,
		timeout: DefaultTimeout,
		pending: make(map[uint64]chan *response),
	}
	go c.readLoop()
	return c, nil
}

// DialWithRetry keeps trying to connect to addr until it succeeds or ctx is done.
// It's used by the processes that may start before the master.
func DialWithRetry(ctx context.Context, addr string, interval time.Duration) (*Client, error) {
	for attempt := 0; ; attempt++ {
		c, err := Dial(ctx, addr)
		if err == nil {
			return c, nil
		}
		if attempt%10 == 9 {
			klog.Infof("still waiting for store at %s: %v", addr, err)
		}
		select {
		case <-ctx.Done():
			return nil, errors.WithMessagef(err, "gave up connecting to store after %d attempts", attempt+1)
		case <-time.After(interval):
		}
	}
}

// SetTimeout sets the timeout of the blocking operations (Get and Wait), used when the context has no deadline.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Addr returns the address of the server.
func (c *Client) Addr() string { return c.addr }

// String implements fmt.Stringer.
func (c *Client) String() string { return fmt.Sprintf("store.Client(%s)", c.addr) }

// readLoop dispatches the responses to the pending requests.
func (c *Client) readLoop() {
	for {
		var resp response
		err := wsjson.Read(context.Background(), c.conn, &resp)
		c.mu.Lock()
		if err != nil {
			if c.closed {
				c.readErr = ErrClosed
			} else {
				c.readErr = errors.Wrapf(ErrClosed, "%v", err)
			}
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		ch, found := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if found {
			ch <- &resp
		}
	}
}

// call sends the request and waits for its response.
func (c *Client) call(ctx context.Context, req *request) (*response, error) {
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	req.ID = c.nextID
	if req.Op == OpGet || req.Op == OpWait {
		timeout := c.timeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		req.TimeoutMs = max(timeout.Milliseconds(), 1)
	}
	ch := make(chan *response, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, errors.Wrapf(err, "%s: sending %s request", c, req.Op)
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return nil, err
		}
		if resp.Timeout {
			return nil, errors.Wrapf(ErrTimeout, "%s: %s", c, resp.Error)
		}
		if resp.Error != "" {
			return nil, errors.Errorf("%s: %s %q failed: %s", c, req.Op, req.Key, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, errors.Wrapf(ctx.Err(), "%s: %s %q", c, req.Op, req.Key)
	}
}

// Set key to value.
func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := c.call(ctx, &request{Op: OpSet, Key: key, Value: value})
	return err
}

// Get the value of key, waiting for it to be set if needed.
// It returns an error wrapping ErrTimeout if the key is not set in time.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	resp, err := c.call(ctx, &request{Op: OpGet, Key: key})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// GetFloat gets the value of key and parses it as a float64.
func (c *Client) GetFloat(ctx context.Context, key string) (float64, error) {
	value, err := c.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: value of key %q is not a number", c, key)
	}
	return f, nil
}

// SetFloat sets key to the decimal representation of value.
func (c *Client) SetFloat(ctx context.Context, key string, value float64) error {
	return c.Set(ctx, key, strconv.FormatFloat(value, 'g', -1, 64))
}

// Add delta to the integer counter at key (missing keys count as 0), and returns the new value.
func (c *Client) Add(ctx context.Context, key string, delta int64) (int64, error) {
	resp, err := c.call(ctx, &request{Op: OpAdd, Key: key, Delta: delta})
	if err != nil {
		return 0, err
	}
	return resp.Int, nil
}

// Wait until all keys are set.
func (c *Client) Wait(ctx context.Context, keys ...string) error {
	_, err := c.call(ctx, &request{Op: OpWait, Keys: keys})
	return err
}

// Delete key, and returns whether it existed.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	resp, err := c.call(ctx, &request{Op: OpDelete, Key: key})
	if err != nil {
		return false, err
	}
	return resp.Found, nil
}

// NumKeys returns the number of keys in the store.
func (c *Client) NumKeys(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, &request{Op: OpNumKeys})
	if err != nil {
		return 0, err
	}
	return int(resp.Int), nil
}

// Close the connection, and the server if this client started it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		_ = c.conn.CloseNow()
	}
	if c.server != nil {
		if serverErr := c.server.Close(); serverErr != nil {
			return serverErr
		}
	}
	return nil
}

const (
	joinedKey = "store/joined"
	readyKey  = "store/ready"
)

// New connects to the store at host:port, starting the server first if isMaster.
// It returns once all worldSize processes are connected.
//
// If isMaster and port is 0, a free port is chosen: the other processes must then be told the
// address by other means, see Client.Addr.
func New(ctx context.Context, host string, port, worldSize int, isMaster bool) (*Client, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("store.New: invalid worldSize=%d", worldSize)
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	var (
		c      *Client
		server *Server
		err    error
	)
	if isMaster {
		server, err = NewServer(addr)
		if err != nil {
			return nil, err
		}
		c, err = Dial(ctx, server.Addr())
		if err != nil {
			_ = server.Close()
			return nil, err
		}
		c.server = server
	} else {
		dialCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
		c, err = DialWithRetry(dialCtx, addr, 100*time.Millisecond)
		if err != nil {
			return nil, err
		}
	}

	// Wait for all processes to join.
	joined, err := c.Add(ctx, joinedKey, 1)
	if err == nil && joined == int64(worldSize) {
		err = c.Set(ctx, readyKey, "1")
	}
	if err == nil {
		err = c.Wait(ctx, readyKey)
	}
	if err != nil {
		_ = c.Close()
		return nil, errors.WithMessagef(err, "waiting for %d processes to connect to the store", worldSize)
	}
	return c, nil
}
