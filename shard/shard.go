// Package shard wires one shard instance together: backend, transport,
// pool manager, lock registry, ADO coordinator, session dispatcher and
// event loop. It plays the role the teacher's cmd/serve.run does for a
// dKV node, generalized from "start a raft cluster and an RPC server" to
// "start a single-threaded shard loop with a pluggable backend".
package shard

import (
	"context"
	"fmt"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/mcas-project/shard/ado"
	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/backend/hstore"
	"github.com/mcas-project/shard/backend/hstorecc"
	"github.com/mcas-project/shard/backend/mapstore"
	"github.com/mcas-project/shard/eventloop"
	"github.com/mcas-project/shard/internal/adoparams"
	"github.com/mcas-project/shard/internal/config"
	"github.com/mcas-project/shard/internal/metrics"
	"github.com/mcas-project/shard/lockregistry"
	"github.com/mcas-project/shard/session"
	"github.com/mcas-project/shard/transport"
	"github.com/mcas-project/shard/transport/loopback"
	"github.com/mcas-project/shard/transport/tcp"
	"github.com/mcas-project/shard/twostage"
)

var log = logger.GetLogger("shard")

// Shard holds every subsystem instance for one running shard process.
type Shard struct {
	cfg     config.ShardConfig
	backend backend.Backend
	srv     transport.ServerTransport
	loop    *eventloop.Loop
	metrics *metrics.ShardMetrics
}

// shardIDFromCore derives a stable metrics series id from the configured
// core number; two shards never share a core, so this also never
// collides.
func shardIDFromCore(core uint) uint64 { return uint64(core) }

// New builds a Shard from a validated config, selecting the backend named
// in cfg.Backend (spec §9's sealed set) and the transport provider named
// in cfg.TransportProvider.
func New(cfg config.ShardConfig) (*Shard, error) {
	var b backend.Backend
	switch cfg.Backend {
	case "mapstore":
		b = mapstore.New()
	case "hstore":
		hs, err := hstore.New(cfg.DAXPath)
		if err != nil {
			return nil, err
		}
		b = hs
	case "hstorecc":
		hs, err := hstorecc.New(cfg.DAXPath)
		if err != nil {
			return nil, err
		}
		b = hs
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	var srv transport.ServerTransport
	switch cfg.TransportProvider {
	case "tcp":
		srv = tcp.NewServer()
	case "loopback":
		srv = loopback.NewServer()
	default:
		return nil, fmt.Errorf("unknown transport provider %q", cfg.TransportProvider)
	}

	reg := lockregistry.New()
	ts := twostage.New(b, reg)
	adoCoord := ado.New(b, reg)
	callbacks := ado.NewCallbacks(adoCoord, b, nil)

	if cfg.HasADO() {
		params, err := adoparams.Parse(cfg.ADO.Params)
		if err != nil {
			return nil, fmt.Errorf("shard: %w", err)
		}
		adoCoord.SetParams(params)
	}

	m := metrics.New(shardIDFromCore(cfg.Core))
	dispatcher := session.New(b, reg, ts, adoCoord, callbacks, m, cfg.HasADO())
	callbacks.SetIndexProvider(dispatcher.Index)

	loop := eventloop.New(cfg.Core, srv, dispatcher, m, cfg.ForcedExit)
	dispatcher.SetTaskQueue(loop)

	return &Shard{cfg: cfg, backend: b, srv: srv, loop: loop, metrics: m}, nil
}

// Run binds the transport endpoint and runs the event loop until ctx is
// cancelled or SIGINT arrives (spec §4.1).
func (s *Shard) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.TransportAddress, s.cfg.TransportPort)
	if err := s.srv.Listen(addr); err != nil {
		return fmt.Errorf("shard: listen %s: %w", addr, err)
	}
	log.Infof("shard listening on %s (core=%d backend=%s transport=%s)", addr, s.cfg.Core, s.cfg.Backend, s.cfg.TransportProvider)

	if s.cfg.HasADO() {
		log.Infof("ado enabled: path=%s plugins=%v cores=%s", s.cfg.ADO.Path, s.cfg.ADO.Plugins, s.cfg.ADO.Cores)
	}

	return s.loop.Run(ctx)
}

// Close releases the transport listener. The backend itself has no
// process-wide resource to release beyond what each pool's Close already
// handles.
func (s *Shard) Close() error {
	return s.srv.Close()
}
