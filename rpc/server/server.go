package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRep/lib/archive"
	"github.com/ValentinKolb/dRep/lib/away"
	"github.com/ValentinKolb/dRep/lib/change"
	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/lib/loop"
	"github.com/ValentinKolb/dRep/lib/store"
	"github.com/ValentinKolb/dRep/lib/syncer"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/serializer"
	"github.com/ValentinKolb/dRep/rpc/transport"
	"github.com/ValentinKolb/dRep/rpc/transport/tcp"
	"github.com/ValentinKolb/dRep/rpc/transport/unix"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("server")

// Files and directories inside the data dir
const (
	statusFile   = "global_status"
	snapshotFile = "snapshot.drep"
	archiveDir   = "archive"
	syncDir      = "sync"
)

// Options replace parts of the server, mostly for tests
type Options struct {
	Clock     clock.Clock
	Connector transport.Connector // node traffic, tcp when nil
	Listener  net.Listener        // already bound node listener, cfg.Endpoint is bound when nil
}

// Server is one node of the cluster. It owns the event loop and every
// component running on it. Apart from New, Run and Addr, everything runs on
// the loop goroutine.
type Server struct {
	cfg        common.ServerConfig
	opts       Options
	serializer serializer.IRPCSerializer
	connector  transport.Connector

	loop     *loop.Loop
	cluster  *cluster.Cluster
	store    *store.Store
	archive  *archive.Archive
	applier  *rootApplier
	pipeline *change.Pipeline
	syncs    *syncer.Manager
	receiver *syncer.Receiver
	away     *away.Manager
	routes   map[proto.Type]route
	stats    *stats

	streams  map[*transport.Stream]struct{}
	started  time.Time
	listener atomic.Pointer[transport.Listener]
	bound    chan struct{}
}

// New creates a node from cfg. The local snapshot and archive are restored,
// nothing is started before Run.
func New(cfg common.ServerConfig, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ser, err := serializer.ByName(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Connector == nil {
		opts.Connector = tcp.New()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create data dir: %w", err)
	}

	c, err := cluster.New(cfg.NodeID, cfg.Members, cfg.Secret, filepath.Join(cfg.DataDir, statusFile))
	if err != nil {
		return nil, err
	}
	self := c.Self()
	self.Version = cluster.Version
	if cfg.Zone != 0 {
		self.Zone = cfg.Zone
	}

	st := store.New()
	ccid, err := st.LoadFile(filepath.Join(cfg.DataDir, snapshotFile))
	if err != nil {
		return nil, fmt.Errorf("cannot load snapshot: %w", err)
	}
	arc, err := archive.Open(filepath.Join(cfg.DataDir, archiveDir), archive.Options{SegmentSize: cfg.SegmentSize})
	if err != nil {
		return nil, fmt.Errorf("cannot open archive: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		opts:       opts,
		serializer: ser,
		connector:  opts.Connector,
		loop:       loop.New(opts.Clock),
		cluster:    c,
		store:      st,
		archive:    arc,
		applier:    &rootApplier{cluster: c, store: st},
		streams:    map[*transport.Stream]struct{}{},
		bound:      make(chan struct{}),
	}

	ccid, err = s.restore(ccid)
	if err != nil {
		_ = arc.Close()
		return nil, err
	}
	self.SetCCID(ccid)
	self.SetSCID(ccid)

	pcfg := change.DefaultConfig()
	pcfg.ChangeIDTimeout = cfg.Timeouts.ChangeID
	if pcfg.KillAfter <= pcfg.ChangeIDTimeout {
		pcfg.KillAfter = pcfg.ChangeIDTimeout + pcfg.MissingAfter
	}
	s.pipeline = change.NewPipeline(c, s.applier, arc, ser, opts.Clock, pcfg)

	scfg := syncer.Config{
		ChunkSize:      cfg.ChunkSize,
		SnapshotPath:   filepath.Join(cfg.DataDir, snapshotFile),
		Dir:            filepath.Join(cfg.DataDir, syncDir),
		Timeouts:       cfg.Timeouts,
		OfflineRetries: syncer.DefaultConfig().OfflineRetries,
	}
	s.syncs = syncer.NewManager(c, arc, ser, scfg)
	s.receiver = syncer.NewReceiver(c, st, s.pipeline, arc, ser, opts.Clock, scfg, s.announce)

	acfg := away.DefaultConfig()
	acfg.Interval = cfg.MaintInterval
	acfg.Timeout = cfg.Timeouts.Away
	acfg.SnapshotPath = scfg.SnapshotPath
	acfg.KeepSegments = cfg.KeepSegments
	s.away = away.New(s.loop, c, s.pipeline, st, arc, s.syncs, ser, acfg, s.announce)

	self.Status = cluster.StatusSynchronizing
	if c.Len() == 1 || cfg.Init {
		self.Status = cluster.StatusReady
	}
	s.routes = s.routeTable()
	s.stats = newStats(s)

	Logger.Infof("Created %s at change %d (%s)", self, ccid, self.Status)
	Logger.Infof(cfg.String())
	return s, nil
}

// restore replays the archived changes following the snapshot. The archive
// already holds them, so they bypass the pipeline.
func (s *Server) restore(ccid uint64) (uint64, error) {
	replay := func(data []byte) error {
		c, err := change.Decode(data)
		if err != nil {
			return err
		}
		if c.ID <= ccid {
			return nil
		}
		for _, tj := range c.Things {
			for _, job := range tj.Jobs {
				if err := s.applier.Apply(c.Scope, tj.Thing, job); err != nil {
					Logger.Warningf("Replaying %s: job %s on thing %d failed: %v", c, job, tj.Thing, err)
				}
			}
		}
		ccid = c.ID
		return nil
	}

	start := ccid
	for _, seg := range s.archive.Segments() {
		if seg.Last <= ccid {
			continue
		}
		if err := archive.ReadSegment(seg.Path, replay); err != nil {
			return 0, fmt.Errorf("cannot replay %s: %w", seg, err)
		}
	}
	if last := s.archive.LastID(); last > ccid {
		for _, data := range s.archive.Range(ccid+1, last) {
			if err := replay(data); err != nil {
				return 0, fmt.Errorf("cannot replay the open segment: %w", err)
			}
		}
	}
	if ccid > start {
		Logger.Infof("Replayed changes %d to %d from the archive", start+1, ccid)
	}
	return ccid, nil
}

// Addr returns the address of the node listener once Run bound it
func (s *Server) Addr() net.Addr {
	<-s.bound
	if l := s.listener.Load(); l != nil {
		return l.Addr()
	}
	return nil
}

// Run starts the node and blocks until ctx is cancelled or a component fails.
// On the way out the node announces SHUTTING_DOWN and persists its status.
func (s *Server) Run(ctx context.Context) error {
	var nodes *transport.Listener
	var err error
	if s.opts.Listener != nil {
		nodes = transport.NewListener(s.connector, s.opts.Listener)
	} else {
		nodes, err = transport.Listen(s.connector, s.cfg.Endpoint)
	}
	if err != nil {
		close(s.bound)
		return err
	}
	s.listener.Store(nodes)
	close(s.bound)

	var clients *transport.Listener
	if s.cfg.ClientSocket != "" {
		if clients, err = transport.Listen(unix.New(), s.cfg.ClientSocket); err != nil {
			_ = nodes.Close()
			return err
		}
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- s.loop.Run(loopCtx) }()

	s.started = s.loop.Clock().Now()
	s.loop.Post(s.tick)
	stopTicker := s.loop.Every(s.cfg.InfoInterval, s.tick)
	defer stopTicker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return nodes.Serve(gctx, s.accept(s.connector))
	})
	if clients != nil {
		g.Go(func() error {
			return clients.Serve(gctx, s.accept(unix.New()))
		})
	}
	if s.cfg.MetricsEndpoint != "" {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-loopDone:
			return fmt.Errorf("event loop stopped: %w", err)
		}
	})

	err = g.Wait()
	s.shutdown()
	stopLoop()
	<-s.loop.Done()
	if cerr := s.archive.Close(); cerr != nil {
		Logger.Warningf("Cannot close the archive: %v", cerr)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// shutdown announces SHUTTING_DOWN, saves the global status and closes every
// stream. It runs before the loop stops.
func (s *Server) shutdown() {
	s.loop.Sync(func() {
		self := s.cluster.Self()
		self.Status = cluster.StatusShuttingDown
		s.announce()
		if err := s.cluster.SaveStatus(); err != nil {
			Logger.Warningf("Cannot save the global status: %v", err)
		}
		for st := range s.streams {
			st.Close()
		}
		Logger.Infof("%s shut down at change %d", self, self.CCID())
	})
}

// serveMetrics exposes every counter set in the Prometheus text format
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		s.stats.WritePrometheus(w)
	})
	srv := &http.Server{Addr: s.cfg.MetricsEndpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	Logger.Infof("Serving metrics on %s/metrics", s.cfg.MetricsEndpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Periodic work
// --------------------------------------------------------------------------

// tick runs every InfoInterval on the loop
func (s *Server) tick() {
	s.announce()
	s.dialPeers()
	s.pipeline.Tick()
	s.away.Tick()
	s.receiver.Tick()
	s.cluster.CCID()
	s.cluster.SCID()
	s.stats.update()
}

// announce broadcasts the own status to every connected peer
func (s *Server) announce() {
	self := s.cluster.Self()
	self.NextChangeID = s.pipeline.NextID()
	payload, err := s.serializer.Serialize(*self.Info())
	if err != nil {
		Logger.Errorf("CRITICAL: cannot serialize node info: %v", err)
		return
	}
	s.cluster.BroadcastConnected(proto.NodeInfo, payload)
}
