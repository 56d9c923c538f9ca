// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package store implements a small key-value store shared by the processes of a distributed
// training job. It's used to exchange scalar metrics, publish checkpoint paths and implement
// barriers.
//
// One process (the master) runs the Server; every process (the master included) connects to it
// with a Client. Requests and responses are JSON messages over a websocket connection.
//
// Values are strings. Get blocks until the key is set (or the timeout expires), which is what
// makes the store usable for synchronization.
package store

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout for blocking operations, if the context has no deadline.
const DefaultTimeout = 5 * time.Minute

// Path of the websocket endpoint served by the Server.
const Path = "/store"

// MaxMessageBytes is the read limit of a connection, on both the Server and the Client.
// Values exchanged by all-reduces hold all the parameters of a model, so it is much larger
// than the websocket default (32KB).
const MaxMessageBytes = 1 << 30

var (
	// ErrTimeout is returned when a blocking operation doesn't complete in time.
	ErrTimeout = errors.New("store operation timed out")

	// ErrClosed is returned when using a closed Client or a connection closed by the Server.
	ErrClosed = errors.New("store connection closed")
)

// Op is the operation of a request.
type Op string

// Operations supported by the store.
const (
	OpSet     Op = "set"
	OpGet     Op = "get"
	OpAdd     Op = "add"
	OpWait    Op = "wait"
	OpDelete  Op = "delete"
	OpNumKeys Op = "num_keys"
)

// request sent by the Client.
type request struct {
	ID   uint64   `json:"id"`
	Op   Op       `json:"op"`
	Key  string   `json:"key,omitempty"`
	Keys []string `json:"keys,omitempty"`

	Value string `json:"value,omitempty"`
	Delta int64  `json:"delta,omitempty"`

	// TimeoutMs for blocking operations (get, wait).
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// response sent by the Server, with the ID of the request.
type response struct {
	ID      uint64 `json:"id"`
	Value   string `json:"value,omitempty"`
	Int     int64  `json:"int,omitempty"`
	Found   bool   `json:"found,omitempty"`
	Timeout bool   `json:"timeout,omitempty"`
	Error   string `json:"error,omitempty"`
}
