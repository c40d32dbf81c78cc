// Package fileserver accepts client connections and serves the group file
// protocol over an encrypted session, one goroutine per connection.
package fileserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"groupshare/internal/config"
	"groupshare/internal/directory"
	"groupshare/internal/discovery"
	"groupshare/internal/logger"
	"groupshare/internal/session"
	"groupshare/internal/token"
)

const Version = "1.0.0"

// Server owns the key pair, the file directory and the live connections.
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	keys     *session.KeyPair
	suite    session.Suite
	verifier token.Verifier
	dir      *directory.Directory
	idle     time.Duration
	autosave time.Duration

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New loads or creates the server key, opens the directory store, loads the
// saved directory and reconciles it with the storage root.
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	keys, created, err := session.LoadOrCreateKeyPair(cfg.KeyFile, cfg.KeyBits)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info("generated new %d-bit server key in %s", cfg.KeyBits, cfg.KeyFile)
	}
	return newServer(cfg, log, keys)
}

func newServer(cfg *config.Config, log *logger.Logger, keys *session.KeyPair) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	suite, err := session.NewSuite(cfg.KeyBits, cfg.Cipher, cfg.Hash)
	if err != nil {
		return nil, err
	}
	verifier, err := token.NewVerifier(cfg.IssuerKey)
	if err != nil {
		return nil, err
	}
	autosave, _ := cfg.Autosave()
	idle, _ := cfg.Idle()

	store, err := directory.OpenStore(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	dir := directory.New(store)
	if err := dir.Load(context.Background()); err != nil {
		dir.Close()
		return nil, err
	}
	log.Info("loaded %d files from %s store %s", dir.Len(), cfg.Store.Driver, cfg.Store.Path)

	if err := os.MkdirAll(cfg.StorageRoot, 0755); err != nil {
		dir.Close()
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	report, err := directory.Reconcile(dir, cfg.StorageRoot)
	if err != nil {
		dir.Close()
		return nil, fmt.Errorf("failed to reconcile storage root: %w", err)
	}
	for _, o := range report.Orphans {
		log.Warn("unreferenced file %s quarantined as %s", o.Path, o.Moved)
	}
	for _, sf := range report.Missing {
		log.Warn("%s (group %s) is registered but %s is missing", sf.Path, sf.Group, sf.Location)
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		keys:     keys,
		suite:    suite,
		verifier: verifier,
		dir:      dir,
		idle:     idle,
		autosave: autosave,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Directory exposes the server's file directory.
func (s *Server) Directory() *directory.Directory {
	return s.dir
}

// Fingerprint identifies the server's public key.
func (s *Server) Fingerprint() string {
	der, err := s.keys.PublicDER()
	if err != nil {
		return ""
	}
	return session.Fingerprint(der)
}

// Run listens on the configured address and serves until ctx is cancelled,
// saving the directory periodically and once more on the way out.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.log.Info("groupshare %s listening on %s (%s)", Version, ln.Addr(), s.suite)
	s.log.Info("server key fingerprint %s", s.Fingerprint())

	if s.cfg.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Register(s.cfg.InstanceName, s.cfg.ServiceName, port, Version, s.Fingerprint())
		if err != nil {
			s.log.Warn("%v", err)
		} else {
			defer adv.Shutdown()
			s.log.Info("advertising %s as %q", s.cfg.ServiceName, s.cfg.InstanceName)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx, ln) })
	if s.autosave > 0 {
		g.Go(func() error { return s.autosaveLoop(gctx) })
	}
	err = g.Wait()

	if saveErr := s.dir.Save(context.Background()); saveErr != nil {
		s.log.Error("%v", saveErr)
		err = errors.Join(err, saveErr)
	} else {
		s.log.Info("saved %d files", s.dir.Len())
	}
	if closeErr := s.dir.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return err
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// live connection and waits for the handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer func() {
		s.closeConns()
		s.wg.Wait()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("accept error: %v", err)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.track(nc)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(nc)
			s.newConn(nc).serve(ctx)
		}()
	}
}

func (s *Server) autosaveLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.autosave)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.dir.Save(ctx); err != nil {
				s.log.Error("autosave: %v", err)
				continue
			}
			s.log.Debug("autosaved %d files", s.dir.Len())
		}
	}
}

// Close releases the directory store. Run does this itself.
func (s *Server) Close() error {
	return s.dir.Close()
}

func (s *Server) track(nc net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[nc] = struct{}{}
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, nc)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nc := range s.conns {
		nc.Close()
	}
}
