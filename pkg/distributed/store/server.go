// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gomlx/trainkit/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Server holds the key-value data and serves the Clients.
type Server struct {
	listener   net.Listener
	httpServer *http.Server

	mu      sync.Mutex
	data    map[string]string
	changed chan struct{} // Closed and replaced at every change.

	done      *xsync.Latch
	closeOnce sync.Once
}

// NewServer listens on addr ("host:port", port 0 picks a free one) and starts serving in the background.
func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "store failed to listen on %q", addr)
	}
	s := &Server{
		listener: listener,
		data:     make(map[string]string),
		changed:  make(chan struct{}),
		done:     xsync.NewLatch(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handle)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		err := s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("store server on %s stopped: %+v", s.Addr(), err)
		}
	}()
	klog.V(1).Infof("store server listening on %s", s.Addr())
	return s, nil
}

// Addr returns the address the server is listening to.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the port the server is listening to.
func (s *Server) Port() int {
	_, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// Close stops the server, and interrupts pending blocking operations.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done.Trigger()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = s.httpServer.Shutdown(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = s.httpServer.Close()
		}
	})
	return errors.Wrap(err, "closing store server")
}

// handle one websocket connection: requests are served concurrently, since some block.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		klog.Warningf("store: failed to accept connection from %s: %v", r.RemoteAddr, err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(MaxMessageBytes)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.done.WaitChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		var req request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				klog.V(1).Infof("store: connection from %s ended: %v", r.RemoteAddr, err)
			}
			cancel()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.serve(ctx, &req)
			if err := wsjson.Write(ctx, conn, resp); err != nil && ctx.Err() == nil {
				klog.Warningf("store: failed to respond to %s: %v", r.RemoteAddr, err)
			}
		}()
	}
}

// serve executes one request.
func (s *Server) serve(ctx context.Context, req *request) *response {
	resp := &response{ID: req.ID}
	timeout := DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	switch req.Op {
	case OpSet:
		s.update(func() { s.data[req.Key] = req.Value })
	case OpAdd:
		s.update(func() {
			current, _ := strconv.ParseInt(s.data[req.Key], 10, 64)
			current += req.Delta
			s.data[req.Key] = strconv.FormatInt(current, 10)
			resp.Int = current
		})
	case OpDelete:
		s.update(func() {
			_, resp.Found = s.data[req.Key]
			delete(s.data, req.Key)
		})
	case OpNumKeys:
		s.mu.Lock()
		resp.Int = int64(len(s.data))
		s.mu.Unlock()
	case OpGet:
		values, err := s.waitKeys(ctx, []string{req.Key}, timeout)
		if err != nil {
			resp.Timeout = errors.Is(err, ErrTimeout)
			resp.Error = err.Error()
			break
		}
		resp.Value, resp.Found = values[0], true
	case OpWait:
		if _, err := s.waitKeys(ctx, req.Keys, timeout); err != nil {
			resp.Timeout = errors.Is(err, ErrTimeout)
			resp.Error = err.Error()
		}
	default:
		resp.Error = "unknown operation " + strconv.Quote(string(req.Op))
	}
	return resp
}

// update runs fn holding the lock, and wakes up the waiting requests.
func (s *Server) update(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	close(s.changed)
	s.changed = make(chan struct{})
}

// waitKeys blocks until all keys are set, and returns their values.
func (s *Server) waitKeys(ctx context.Context, keys []string, timeout time.Duration) ([]string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		values := make([]string, len(keys))
		missing := ""
		for ii, key := range keys {
			v, found := s.data[key]
			if !found {
				missing = key
				break
			}
			values[ii] = v
		}
		changed := s.changed
		s.mu.Unlock()
		if missing == "" {
			return values, nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil, errors.Wrapf(ErrTimeout, "waiting for key %q after %s", missing, timeout)
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for key %q", missing)
		}
	}
}
