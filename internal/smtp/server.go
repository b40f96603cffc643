package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vellum-mail/vellum/internal/config"
	"github.com/vellum-mail/vellum/internal/controller"
	"github.com/vellum-mail/vellum/internal/errs"
	"github.com/vellum-mail/vellum/internal/logging"
)

// Server is C8: the accept loop and connection admission gate fronting the
// per-connection C7 state machines.
type Server struct {
	deps     *Deps
	listener net.Listener

	sem chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewServer builds a listener and its shared session dependencies. If
// cfg.EnableTLS is set, a TLS config is loaded from the cert/key pair for
// STARTTLS to use; a failure there is returned immediately since a server
// advertised to support TLS must actually be able to.
func NewServer(cfg config.Config, deps *Deps) (*Server, error) {
	deps.Config = cfg
	if deps.Registry == nil {
		deps.Registry = controller.NewSessionRegistry()
	}

	if cfg.EnableTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("smtp: loading TLS keypair: %w", err)
		}
		deps.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: listen %s: %w", addr, err)
	}

	maxConn := cfg.MaxConnections
	if maxConn <= 0 {
		maxConn = 1
	}

	return &Server{
		deps:     deps,
		listener: ln,
		sem:      make(chan struct{}, maxConn),
		stopped:  make(chan struct{}),
	}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until Stop is called or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	logging.InfoLog("smtp: listening on %s", s.listener.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.rejectOverloaded(conn)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) rejectOverloaded(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = fmt.Fprintf(conn, "%d %s\r\n", errs.ErrTooManyConnections.Code, errs.ErrTooManyConnections.Line())
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	remoteIP := remoteIPOf(conn)
	sess := NewSession(conn, remoteIP, s.deps)
	sess.Serve(ctx)
}

func remoteIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// Stop closes the listener, broadcasts shutdown to active sessions, and
// waits up to cfg.ShutdownGracePeriod for them to drain before returning.
func (s *Server) Stop(grace time.Duration) {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.listener.Close()
		if s.deps.Registry != nil {
			s.deps.Registry.Shutdown()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		logging.WarnLog("smtp: shutdown grace period elapsed with sessions still active")
	}
}
