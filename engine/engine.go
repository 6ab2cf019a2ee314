// Package engine is the public entry point for executing plans: a Session
// binds a configuration to a backend, translates submitted plans into
// task graphs, and hands them to a scheduler.
package engine

import (
	"context"

	skiff "github.com/go-skiff/skiff"
	serrors "github.com/go-skiff/skiff/errors"
	"github.com/go-skiff/skiff/internal/backend/cluster"
	"github.com/go-skiff/skiff/internal/backend/local"
	"github.com/go-skiff/skiff/internal/sched"
	"github.com/go-skiff/skiff/internal/translate"
	"github.com/go-skiff/skiff/partition"
	"github.com/go-skiff/skiff/plan"
	"github.com/go-skiff/skiff/stats"
)

// Session binds a configuration to a backend. Sessions are safe for
// serial reuse: each Run is an independent execution.
type Session struct {
	conf        *skiff.Config
	backend     skiff.Backend
	ownsBackend bool
	stats       *stats.RunStatistics
}

// New produces a Session backed by an in-process worker pool executing
// Buffer partitions
func New(conf *skiff.Config) (*Session, error) {
	conf = prepareConf(conf)
	b, err := local.NewBackend(conf, partition.BufferCodec{})
	if err != nil {
		return nil, err
	}
	return &Session{conf: conf, backend: b, ownsBackend: true}, nil
}

// NewWithBackend produces a Session over a caller-supplied backend. The
// caller remains responsible for stopping the backend.
func NewWithBackend(conf *skiff.Config, b skiff.Backend) *Session {
	return &Session{conf: prepareConf(conf), backend: b}
}

// Connect produces a Session driving tasks on a remote executor service
func Connect(conf *skiff.Config, opts *cluster.Options, codec skiff.PartitionCodec) (*Session, error) {
	conf = prepareConf(conf)
	b, err := cluster.NewBackend(conf, opts, codec)
	if err != nil {
		return nil, err
	}
	return &Session{conf: conf, backend: b, ownsBackend: true}, nil
}

// Run translates a plan and begins executing it, returning the lazy
// stream of root outputs. The stream must be drained to exhaustion or
// cancelled, or execution state is held indefinitely.
func (s *Session) Run(ctx context.Context, root *plan.Node) (skiff.ResultStream, error) {
	g, err := translate.Translate(root, s.conf)
	if err != nil {
		return nil, err
	}
	s.stats = &stats.RunStatistics{}
	scheduler := sched.New(s.conf, s.backend, g, s.stats)
	return scheduler.Start(ctx), nil
}

// Collect is a convenience which runs a plan to completion and fetches
// every root output's data, in stream order
func (s *Session) Collect(ctx context.Context, root *plan.Node) ([]skiff.Partition, error) {
	stream, err := s.Run(ctx, root)
	if err != nil {
		return nil, err
	}
	defer stream.Cancel()
	var out []skiff.Partition
	for {
		ref, err := stream.Next(ctx)
		if serrors.IsNoMorePartitions(err) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		part, err := s.backend.Fetch(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, part)
	}
}

// Stats returns statistics for the most recent Run, or nil before the
// first Run
func (s *Session) Stats() *stats.RunStatistics {
	return s.stats
}

// Backend exposes the session's backend, e.g. for fetching partition data
// behind refs pulled from a stream
func (s *Session) Backend() skiff.Backend {
	return s.backend
}

// Stop shuts down the session's backend if the session owns it
func (s *Session) Stop() error {
	if s.ownsBackend {
		return s.backend.Stop()
	}
	return nil
}

func prepareConf(conf *skiff.Config) *skiff.Config {
	if conf == nil {
		conf = &skiff.Config{}
	}
	conf = skiff.CloneConfig(conf)
	skiff.EnsureDefaultConfigValues(conf)
	return conf
}
