// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package gateway implements the tapgate server: the REST proxy and the
// authenticated mailbox relay in front of a taproot-assets daemon.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/core/log"
	"github.com/tapgate/tapgate/core/retry"
	"github.com/tapgate/tapgate/core/worker"
	"github.com/tapgate/tapgate/gateway/config"
	"github.com/tapgate/tapgate/gateway/internal/auth"
	"github.com/tapgate/tapgate/gateway/internal/challenge"
	"github.com/tapgate/tapgate/gateway/internal/events"
	"github.com/tapgate/tapgate/gateway/internal/identity"
	"github.com/tapgate/tapgate/gateway/internal/instrument"
	"github.com/tapgate/tapgate/gateway/internal/mailbox"
	"github.com/tapgate/tapgate/gateway/internal/profiling"
	"github.com/tapgate/tapgate/gateway/internal/proxy"
	"github.com/tapgate/tapgate/gateway/internal/upstream"
	"github.com/tapgate/tapgate/gateway/receiverdb"
	"github.com/tapgate/tapgate/gateway/receiverdb/boltreceiverdb"
	"github.com/tapgate/tapgate/gateway/receiverdb/externreceiverdb"
	"github.com/tapgate/tapgate/gateway/receiverdb/sqlreceiverdb"
)

const readHeaderTimeout = 10 * time.Second

// Server is a gateway instance.
type Server struct {
	worker.Worker

	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	db       receiverdb.ReceiverDB
	upstream *upstream.Client
	registry *challenge.Registry
	relay    *mailbox.Handler
	events   *events.Handler
	handler  http.Handler

	listeners   []net.Listener
	httpServers []*http.Server
	h3Server    *http3.Server
	metrics     *http.Server
	serveWg     sync.WaitGroup

	stopProfiling func()

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initLogging() error {
	var err error
	s.logBackend, err = log.New(s.cfg.Logging.File, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("gateway")
	}
	return err
}

// OpenReceiverDB opens the receiver database backend named by cfg.  It
// returns a nil ReceiverDB if no backend is configured.
func OpenReceiverDB(cfg *config.Config, logBackend *log.Backend) (receiverdb.ReceiverDB, error) {
	var (
		db  receiverdb.ReceiverDB
		err error
	)
	dbCfg := cfg.ReceiverDB
	switch {
	case dbCfg.Bolt != nil:
		db, err = boltreceiverdb.New(dbCfg.Bolt.Path)
	case dbCfg.SQL != nil:
		db, err = sqlreceiverdb.New(dbCfg.SQL.URL, logBackend, cfg.Logging.Level)
	case dbCfg.Extern != nil:
		db, err = externreceiverdb.New(dbCfg.Extern.URL)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to open receiver database: %w", err)
	}
	return db, nil
}

func (s *Server) fatal(err error) {
	select {
	case s.fatalErrCh <- err:
	default:
		s.log.Errorf("Additional fatal error: %v", err)
	}
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	err := s.logBackend.Rotate()
	switch {
	case errors.Is(err, log.ErrNotAFile):
		s.log.Debug("Not logging to a file, nothing to rotate.")
	case err != nil:
		s.fatal(fmt.Errorf("failed to rotate log file, shutting down server: %w", err))
	default:
		s.log.Notice("Log rotated.")
	}
}

// Addrs returns the bound addresses of the TCP listeners.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	// Relay websockets are hijacked, so end them before the HTTP servers
	// wait for idle connections.
	if s.relay != nil {
		s.relay.Halt()
	}
	if s.events != nil {
		s.events.Halt()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	for _, srv := range s.httpServers {
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warningf("HTTP server shutdown: %v", err)
		}
	}
	if s.h3Server != nil {
		s.h3Server.Close()
	}
	if s.metrics != nil {
		s.metrics.Shutdown(ctx)
	}
	s.serveWg.Wait()

	s.Halt()

	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	if s.stopProfiling != nil {
		s.stopProfiling()
	}

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

func (s *Server) serve(name string, fn func() error) {
	s.serveWg.Add(1)
	go func() {
		defer s.serveWg.Done()
		s.log.Noticef("Serving %v.", name)
		err := fn()
		switch {
		case err == nil, errors.Is(err, http.ErrServerClosed), errors.Is(err, net.ErrClosed):
			s.log.Noticef("Stopped serving %v.", name)
		default:
			s.fatal(fmt.Errorf("%v: %w", name, err))
		}
	}()
}

func (s *Server) initListeners() error {
	var certs []tls.Certificate
	srvCfg := s.cfg.Server
	if srvCfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(srvCfg.TLSCertFile, srvCfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("gateway: failed to load TLS key pair: %w", err)
		}
		certs = []tls.Certificate{cert}
	}

	handler := s.handler
	if srvCfg.HTTP3Address != "" {
		s.h3Server = &http3.Server{
			Addr:      srvCfg.HTTP3Address,
			Handler:   s.handler,
			TLSConfig: http3.ConfigureTLSConfig(&tls.Config{Certificates: certs}),
		}
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.h3Server.SetQUICHeaders(w.Header())
			s.handler.ServeHTTP(w, r)
		})
	}

	for _, addr := range srvCfg.Addresses {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("gateway: failed to listen on %v: %w", addr, err)
		}
		if certs != nil {
			l = tls.NewListener(l, &tls.Config{Certificates: certs, MinVersion: tls.VersionTLS12})
		}
		s.listeners = append(s.listeners, l)

		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          s.logBackend.GetGoLogger("http", "WARNING"),
		}
		s.httpServers = append(s.httpServers, srv)
		s.serve(l.Addr().String(), func() error { return srv.Serve(l) })
	}
	if s.h3Server != nil {
		s.serve(srvCfg.HTTP3Address+"/udp", s.h3Server.ListenAndServe)
	}
	return nil
}

func (s *Server) pruneWorker() {
	interval := s.cfg.Mailbox.ChallengeExpiryDuration()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-t.C:
		}
		if n := s.registry.Prune(); n > 0 {
			s.log.Debugf("Pruned %d expired challenges, %d outstanding.", n, s.registry.Len())
		}
	}
}

func (s *Server) probeUpstream() {
	policy := retry.DefaultPolicy
	policy.MaxAttempts = 5
	err := retry.Do(s.Context(), policy, func() error {
		info, err := s.upstream.MailboxInfo(s.Context())
		if err != nil {
			return err
		}
		if !info.Enabled() {
			s.log.Warning("Upstream reports the mailbox as disabled, relay authentication will fail.")
		}
		return nil
	})
	if err != nil {
		s.log.Warningf("Upstream mailbox probe failed: %v", err)
		return
	}
	s.log.Notice("Upstream mailbox is reachable.")
}

// New returns a new Server instance parameterized with the specific
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		fatalErrCh: make(chan error, 1),
		haltedCh:   make(chan interface{}),
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("tapgate is still pre-1.0.")
	if s.logBackend.IsDebug() {
		s.log.Warning("Debug logging is enabled, receiver fingerprints will be logged.")
	}

	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	var err error
	s.stopProfiling, err = profiling.Start(cfg.Profiling, s.logBackend.GetLogger("profiling"))
	if err != nil {
		s.log.Errorf("Failed to start profiling: %v", err)
		return nil, err
	}

	if s.db, err = OpenReceiverDB(cfg, s.logBackend); err != nil {
		s.log.Errorf("%v", err)
		return nil, err
	}
	if s.db == nil {
		s.log.Notice("No receiver database configured, receivers are not persisted.")
	}

	if s.upstream, err = upstream.New(cfg.Upstream, s.logBackend); err != nil {
		s.log.Errorf("Failed to initialize upstream client: %v", err)
		return nil, err
	}

	var monitor instrument.Monitor = instrument.Nop{}
	if cfg.Metrics.Address != "" {
		prom := instrument.NewPrometheus()
		monitor = prom
		s.metrics = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           prom.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          s.logBackend.GetGoLogger("metrics", "WARNING"),
		}
	}

	s.registry = challenge.New(cfg.Mailbox.ChallengeExpiryDuration())
	var resolverOpts []identity.Option
	if cfg.Mailbox.VerifyTapAddressChecksum {
		resolverOpts = append(resolverOpts, identity.WithTapAddressChecksum())
	}
	resolver := identity.NewResolver(s.db, s.logBackend.GetLogger("identity"), cfg.Mailbox.MinReceiverIDLength, cfg.Mailbox.RequireRegisteredReceiver, resolverOpts...)

	authCfg := &auth.Config{
		Registry:           s.registry,
		Resolver:           resolver,
		DB:                 s.db,
		Log:                s.logBackend.GetLogger("auth"),
		TimestampTolerance: cfg.Mailbox.TimestampToleranceDuration(),
		MinSignatureLength: cfg.Mailbox.MinSignatureLength,
	}
	if cfg.Debug.DisableUpstreamProbe {
		s.log.Warning("Upstream mailbox probe is disabled.")
	} else {
		authCfg.Prober = s.upstream
	}

	s.relay = mailbox.NewHandler(&mailbox.Config{
		Mailbox:     cfg.Mailbox,
		Registry:    s.registry,
		Validator:   auth.New(authCfg),
		Upstream:    s.upstream,
		LogBackend:  s.logBackend,
		AllowOrigin: cfg.Server.AllowsOrigin,
		Monitor:     monitor,
	})
	s.events = events.New(&events.Config{
		Events:       cfg.Events,
		Upstream:     s.upstream,
		LogBackend:   s.logBackend,
		MaxFrameSize: cfg.Mailbox.MaxFrameSize,
		AllowOrigin:  cfg.Server.AllowsOrigin,
	})
	s.handler = proxy.New(&proxy.Config{
		Upstream:    s.upstream,
		LogBackend:  s.logBackend,
		Relay:       s.relay,
		Events:      s.events,
		AllowOrigin: cfg.Server.AllowsOrigin,
	})

	if err = s.initListeners(); err != nil {
		s.log.Errorf("%v", err)
		return nil, err
	}
	if s.metrics != nil {
		s.serve("metrics on "+cfg.Metrics.Address, s.metrics.ListenAndServe)
	}

	s.Go(s.pruneWorker)
	if !cfg.Debug.DisableUpstreamProbe {
		s.Go(s.probeUpstream)
	}

	// Start the fatal error watcher.
	go func() {
		select {
		case err := <-s.fatalErrCh:
			s.log.Warningf("Shutting down due to error: %v", err)
			s.Shutdown()
		case <-s.haltedCh:
		}
	}()

	isOk = true
	return s, nil
}
