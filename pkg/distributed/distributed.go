// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed implements the process group of a data-parallel training job: each
// process (rank) trains on its shard of the data, and the ranks synchronize through a shared
// key-value store (package store): barriers, averaging of gradients and metrics, and the
// publication of checkpoints by the leader (rank 0).
//
// Ranks can be goroutines of one process (see Spawn) or separate processes configured with the
// environment variables RANK, WORLD_SIZE, MASTER_ADDR and MASTER_PORT (see FromEnv).
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/gomlx/trainkit/pkg/distributed/store"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Environment variables read by FromEnv.
const (
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
)

// LeaderRank is the rank that coordinates the others.
const LeaderRank = 0

// Options to Setup a ProcessGroup.
type Options struct {
	Rank, WorldSize int

	// MasterAddr and MasterPort of the store server.
	MasterAddr string
	MasterPort int

	// StartServer makes this rank start the store server. Usually set only for the LeaderRank.
	StartServer bool
}

// FromEnv reads the Options from the environment variables RANK, WORLD_SIZE, MASTER_ADDR and MASTER_PORT.
// The ok result is false if RANK is not set, meaning this is not a multi-process launch.
// Missing WORLD_SIZE, MASTER_ADDR or MASTER_PORT take the values in defaults.
func FromEnv(defaults Options) (opts Options, ok bool, err error) {
	opts = defaults
	rankStr, found := os.LookupEnv(EnvRank)
	if !found {
		return opts, false, nil
	}
	if opts.Rank, err = strconv.Atoi(rankStr); err != nil {
		return opts, false, errors.Wrapf(err, "invalid $%s=%q", EnvRank, rankStr)
	}
	if v, found := os.LookupEnv(EnvWorldSize); found {
		if opts.WorldSize, err = strconv.Atoi(v); err != nil {
			return opts, false, errors.Wrapf(err, "invalid $%s=%q", EnvWorldSize, v)
		}
	}
	if v, found := os.LookupEnv(EnvMasterAddr); found {
		opts.MasterAddr = v
	}
	if v, found := os.LookupEnv(EnvMasterPort); found {
		if opts.MasterPort, err = strconv.Atoi(v); err != nil {
			return opts, false, errors.Wrapf(err, "invalid $%s=%q", EnvMasterPort, v)
		}
	}
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return opts, false, errors.Errorf("$%s=%d out of range for world size %d", EnvRank, opts.Rank, opts.WorldSize)
	}
	opts.StartServer = opts.Rank == LeaderRank
	return opts, true, nil
}

// ProcessGroup of a distributed job, as seen by one rank.
type ProcessGroup struct {
	rank, worldSize int
	store           *store.Client

	mu          sync.Mutex
	barrierGen  int
	allReduceID int
}

// Setup connects to the store (starting it if opts.StartServer) and returns once all ranks are connected.
func Setup(ctx context.Context, opts Options) (*ProcessGroup, error) {
	if opts.WorldSize < 1 || opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, errors.Errorf("invalid rank %d for world size %d", opts.Rank, opts.WorldSize)
	}
	client, err := store.New(ctx, opts.MasterAddr, opts.MasterPort, opts.WorldSize, opts.StartServer)
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d failed to setup the process group", opts.Rank)
	}
	klog.V(1).Infof("rank %d/%d connected to store at %s", opts.Rank, opts.WorldSize, client.Addr())
	return &ProcessGroup{rank: opts.Rank, worldSize: opts.WorldSize, store: client}, nil
}

// Rank of this process.
func (pg *ProcessGroup) Rank() int { return pg.rank }

// WorldSize is the number of ranks.
func (pg *ProcessGroup) WorldSize() int { return pg.worldSize }

// IsLeader returns whether this is the LeaderRank.
func (pg *ProcessGroup) IsLeader() bool { return pg.rank == LeaderRank }

// Store returns the client to the shared store.
func (pg *ProcessGroup) Store() *store.Client { return pg.store }

// String implements fmt.Stringer.
func (pg *ProcessGroup) String() string {
	return fmt.Sprintf("ProcessGroup(rank=%d, world_size=%d)", pg.rank, pg.worldSize)
}

// Barrier blocks until all ranks call Barrier. All ranks must call the same sequence of barriers.
func (pg *ProcessGroup) Barrier(ctx context.Context) error {
	pg.mu.Lock()
	pg.barrierGen++
	gen := pg.barrierGen
	pg.mu.Unlock()

	key := barrierKey(gen)
	count, err := pg.store.Add(ctx, key, 1)
	if err != nil {
		return errors.WithMessagef(err, "%s barrier #%d", pg, gen)
	}
	if count == int64(pg.worldSize) {
		// All ranks arrived, so all of them are past the previous barrier.
		if gen > 1 {
			prevKey := barrierKey(gen - 1)
			for _, k := range []string{prevKey, prevKey + "/done"} {
				if _, err = pg.store.Delete(ctx, k); err != nil {
					return errors.WithMessagef(err, "%s barrier #%d", pg, gen)
				}
			}
		}
		if err = pg.store.Set(ctx, key+"/done", "1"); err != nil {
			return errors.WithMessagef(err, "%s barrier #%d", pg, gen)
		}
	}
	if err = pg.store.Wait(ctx, key+"/done"); err != nil {
		return errors.WithMessagef(err, "%s barrier #%d", pg, gen)
	}
	return nil
}

// AllReduceMean replaces values by their mean across all ranks, in place.
// All ranks must call it with slices of the same length, and get bit-identical results.
func (pg *ProcessGroup) AllReduceMean(ctx context.Context, values []float64) error {
	if pg.worldSize == 1 {
		return nil
	}
	pg.mu.Lock()
	pg.allReduceID++
	id := pg.allReduceID
	pg.mu.Unlock()

	encoded, err := json.Marshal(values)
	if err != nil {
		return errors.Wrapf(err, "%s all-reduce #%d", pg, id)
	}
	myKey := allReduceKey(id, pg.rank)
	if err = pg.store.Set(ctx, myKey, string(encoded)); err != nil {
		return errors.WithMessagef(err, "%s all-reduce #%d", pg, id)
	}
	sum := make([]float64, len(values))
	for rank := range pg.worldSize {
		encoded, err := pg.store.Get(ctx, allReduceKey(id, rank))
		if err != nil {
			return errors.WithMessagef(err, "%s all-reduce #%d", pg, id)
		}
		var rankValues []float64
		if err = json.Unmarshal([]byte(encoded), &rankValues); err != nil {
			return errors.Wrapf(err, "%s all-reduce #%d: invalid values from rank %d", pg, id, rank)
		}
		if len(rankValues) != len(values) {
			return errors.Errorf("%s all-reduce #%d: rank %d sent %d values, expected %d",
				pg, id, rank, len(rankValues), len(values))
		}
		for ii, v := range rankValues {
			sum[ii] += v
		}
	}
	for ii := range values {
		values[ii] = sum[ii] / float64(pg.worldSize)
	}

	// Values of the previous all-reduce are no longer needed: every rank has read them,
	// since it has written this one.
	if id > 1 {
		if _, err = pg.store.Delete(ctx, allReduceKey(id-1, pg.rank)); err != nil {
			return errors.WithMessagef(err, "%s all-reduce #%d", pg, id)
		}
	}
	return nil
}

func barrierKey(gen int) string {
	return fmt.Sprintf("barrier/%d", gen)
}

func allReduceKey(id, rank int) string {
	return fmt.Sprintf("allreduce/%d/%d", id, rank)
}

// Cleanup closes the connection to the store, and the store server if this rank started it.
// Call Barrier before, so the server is not closed while other ranks still use it.
func (pg *ProcessGroup) Cleanup() error {
	return pg.store.Close()
}

// Spawn runs fn for each of the worldSize ranks in its own goroutine, each with its own ProcessGroup
// connected to a store served at host:port (port 0 picks a free one).
//
// If any rank fails, the context given to the others is cancelled, and the first error is returned.
func Spawn(ctx context.Context, worldSize int, host string, port int,
	fn func(ctx context.Context, pg *ProcessGroup) error) error {
	if worldSize < 1 {
		return errors.Errorf("Spawn requires worldSize >= 1, got %d", worldSize)
	}
	server, err := store.NewServer(fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	defer func() { _ = server.Close() }()
	port = server.Port()

	g, gCtx := errgroup.WithContext(ctx)
	for rank := range worldSize {
		g.Go(func() error {
			pg, err := Setup(gCtx, Options{Rank: rank, WorldSize: worldSize, MasterAddr: host, MasterPort: port})
			if err != nil {
				return err
			}
			defer func() {
				if err := pg.Cleanup(); err != nil {
					klog.Warningf("rank %d: %v", rank, err)
				}
			}()
			if err = fn(gCtx, pg); err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			return nil
		})
	}
	return g.Wait()
}
