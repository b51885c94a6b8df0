/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server builds every seqworker service and owns the main update
// loop and the ops HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/seqworker/internal/config"
	"github.com/friendsincode/seqworker/internal/dashboard"
	"github.com/friendsincode/seqworker/internal/db"
	"github.com/friendsincode/seqworker/internal/eventbus"
	"github.com/friendsincode/seqworker/internal/events"
	"github.com/friendsincode/seqworker/internal/history"
	"github.com/friendsincode/seqworker/internal/logbuffer"
	"github.com/friendsincode/seqworker/internal/orchestrator"
	"github.com/friendsincode/seqworker/internal/sequence"
	"github.com/friendsincode/seqworker/internal/storage"
	"github.com/friendsincode/seqworker/internal/telemetry"
	"github.com/friendsincode/seqworker/internal/tracker"
)

// ErrOneShotConflict is returned when one-shot playback is requested while
// remote worker mode is enabled.
var ErrOneShotConflict = errors.New("one-shot playback cannot be combined with remote worker mode")

// Server wires the dashboard listener, the tracker, the optional remote
// worker and the supporting services together.
type Server struct {
	cfg    *config.Config
	guid   uuid.UUID
	logger zerolog.Logger

	bus       *events.Bus
	catalog   *sequence.Catalog
	player    sequence.Player
	dashboard *dashboard.Server
	tracker   *tracker.Tracker
	watcher   *sequence.Watcher
	worker    *orchestrator.Worker
	journal   *history.Journal
	db        *gorm.DB
	logs      *logbuffer.Buffer

	router  chi.Router
	httpSrv *http.Server
	opsLn   net.Listener

	resets chan struct{}

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// Option customises a Server.
type Option func(*Server)

// WithLogBuffer exposes buf on GET /logs.
func WithLogBuffer(buf *logbuffer.Buffer) Option {
	return func(s *Server) { s.logs = buf }
}

// New builds the services described by cfg. player may be nil to use the
// timed reference player.
func New(cfg *config.Config, player sequence.Player, logger zerolog.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if player == nil {
		player = sequence.NewTimedPlayer(cfg.RecordingDir, nil, logger)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		bus:      events.NewBus(),
		player:   player,
		resets:   make(chan struct{}, 1),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guid = s.clientGUID()

	if err := s.initDependencies(); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.initRouter()
	return s, nil
}

// DeferClose registers a cleanup hook executed on Close, last registered first.
func (s *Server) DeferClose(fn func() error) {
	if fn == nil {
		return
	}
	s.closers = append(s.closers, fn)
}

func (s *Server) initDependencies() error {
	s.catalog = sequence.NewCatalog(sequence.NewFileResolver(s.cfg.SequenceDir))
	if _, err := s.catalog.Refresh(); err != nil {
		s.logger.Warn().Err(err).Str("dir", s.cfg.SequenceDir).Msg("initial sequence scan failed")
	}
	telemetry.CatalogSize.Set(float64(len(s.catalog.Snapshot())))

	if s.cfg.WatchSequences {
		w, err := sequence.NewWatcher(s.catalog, s.cfg.SequenceDir, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("sequence watcher disabled")
		} else {
			s.watcher = w
		}
	}

	if err := s.initMirrors(); err != nil {
		return err
	}

	s.dashboard = dashboard.NewServer(dashboard.Config{
		Bind:             s.cfg.DashboardBind,
		Port:             s.cfg.DashboardPort,
		MaxConns:         s.cfg.DashboardMaxConns,
		HandshakeTimeout: s.cfg.DashboardHandshakeTimeout,
	}, nil, s.logger)
	s.tracker = tracker.New(s.dashboard, s.player, s.catalog, s.bus, s.logger)
	s.dashboard.SetHandler(s.tracker)

	if !s.cfg.RemoteWorker {
		return nil
	}
	if err := s.initJournal(); err != nil {
		return err
	}
	return s.initWorker()
}

func (s *Server) initMirrors() error {
	nodeID := s.guid.String()

	if s.cfg.RedisAddr != "" {
		rcfg := eventbus.DefaultRedisConfig()
		rcfg.Addr = s.cfg.RedisAddr
		rcfg.Password = s.cfg.RedisPassword
		rcfg.DB = s.cfg.RedisDB
		if s.cfg.RedisChannel != "" {
			rcfg.Channel = s.cfg.RedisChannel
		}
		ctx, cancel := context.WithTimeout(s.bgCtx, 5*time.Second)
		rm, err := eventbus.NewRedisMirror(ctx, rcfg, s.bus, nodeID, s.logger)
		cancel()
		if err != nil {
			return fmt.Errorf("redis event mirror: %w", err)
		}
		s.DeferClose(rm.Close)
	}

	if s.cfg.NATSURL != "" {
		ncfg := eventbus.DefaultNATSConfig()
		ncfg.URL = s.cfg.NATSURL
		if s.cfg.NATSSubject != "" {
			ncfg.SubjectPrefix = s.cfg.NATSSubject
		}
		nm, err := eventbus.NewNATSMirror(ncfg, s.bus, nodeID, s.logger)
		if err != nil {
			return fmt.Errorf("nats event mirror: %w", err)
		}
		s.DeferClose(nm.Close)
	}
	return nil
}

func (s *Server) initJournal() error {
	if s.cfg.DBDSN != "" {
		database, err := db.Connect(s.cfg.DBBackend, s.cfg.DBDSN, s.logger)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		s.db = database
		s.DeferClose(func() error { return db.Close(database) })
	}

	var store storage.ObjectStore
	switch s.cfg.ArtifactBackend {
	case config.ArtifactFilesystem:
		store = storage.NewFilesystemStore(s.cfg.ArtifactDir, s.logger)
	case config.ArtifactS3:
		s3, err := storage.NewS3Store(s.bgCtx, storage.S3Config{
			AccessKeyID:     s.cfg.S3AccessKeyID,
			SecretAccessKey: s.cfg.S3SecretAccessKey,
			Region:          s.cfg.S3Region,
			Bucket:          s.cfg.S3Bucket,
			Endpoint:        s.cfg.S3Endpoint,
			Prefix:          s.cfg.S3Prefix,
			UsePathStyle:    s.cfg.S3UsePathStyle,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("s3 artifact store: %w", err)
		}
		store = s3
	}
	if store != nil {
		ctx, cancel := context.WithTimeout(s.bgCtx, 10*time.Second)
		err := store.CheckAccess(ctx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("backend", string(s.cfg.ArtifactBackend)).Msg("artifact store not reachable, uploads may fail")
		}
	}

	if s.db == nil && store == nil {
		return nil
	}
	s.journal = history.NewJournal(s.db, store, s.guid.String(), s.logger)
	s.DeferClose(func() error {
		s.journal.Close()
		return nil
	})
	return nil
}

func (s *Server) initWorker() error {
	client := orchestrator.NewHTTPClient(s.cfg.OrchestratorURL, s.cfg.RequestTimeout, s.logger)

	var recorder orchestrator.Recorder
	if s.journal != nil {
		recorder = s.journal
	}
	s.worker = orchestrator.NewWorker(orchestrator.Config{
		Interval:       s.cfg.HeartbeatInterval,
		Jitter:         s.cfg.HeartbeatJitter,
		RequestTimeout: s.cfg.RequestTimeout,
		ClientGUID:     s.guid,
		Metadata:       orchestrator.CollectMetadata(s.cfg.SequenceDir),
	}, client, s.player, s.catalog, s.catalog, recorder, s.bus, s.logger)
	s.DeferClose(func() error {
		s.worker.Close()
		return nil
	})
	return nil
}

// clientGUID returns the configured guid, or a fresh one when unset or
// malformed. The guid is stable for the lifetime of the process.
func (s *Server) clientGUID() uuid.UUID {
	if s.cfg.ClientGUID != "" {
		if id, err := uuid.Parse(s.cfg.ClientGUID); err == nil {
			return id
		}
		s.logger.Warn().Str("client_guid", s.cfg.ClientGUID).Msg("ignoring malformed client guid")
	}
	return uuid.New()
}

// Start opens the dashboard listener, the ops HTTP server and the catalog
// watcher. The main loop is started separately with Run.
func (s *Server) Start() error {
	if err := s.dashboard.Start(); err != nil {
		return fmt.Errorf("start dashboard listener: %w", err)
	}

	if s.watcher != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.watcher.Run(s.bgCtx)
		}()
	}

	if s.cfg.MetricsBind == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.MetricsBind)
	if err != nil {
		return fmt.Errorf("listen ops http: %w", err)
	}
	s.opsLn = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("ops http server listening")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("ops http server failed")
		}
	}()
	return nil
}

// DashboardAddr returns the dashboard listener address once started.
func (s *Server) DashboardAddr() net.Addr {
	return s.dashboard.Addr()
}

// OpsAddr returns the ops HTTP listener address, nil when disabled.
func (s *Server) OpsAddr() net.Addr {
	if s.opsLn == nil {
		return nil
	}
	return s.opsLn.Addr()
}

// Catalog returns the sequence catalog.
func (s *Server) Catalog() *sequence.Catalog {
	return s.catalog
}

// Close performs application-quit shutdown. It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close()
	})
	return s.closeErr
}

func (s *Server) close() error {
	var errs []error

	s.bus.Publish(events.EventApplicationQuit, events.Payload{"client_guid": s.guid.String()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.dashboard != nil {
		if err := s.dashboard.Shutdown(ctx); err != nil && !errors.Is(err, dashboard.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("dashboard shutdown: %w", err))
		}
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops http shutdown: %w", err))
		}
	}

	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.bgWG.Wait()

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
