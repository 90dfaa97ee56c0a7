// Package server accepts control connections. Each connection carries
// exactly one request frame and gets exactly one response frame.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gpulimit/internal/dispatch"
	"gpulimit/internal/wire"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
)

// ErrAddressInUse is returned when another server answers on the socket.
var ErrAddressInUse = errors.New("address already in use")

const defaultIOTimeout = 30 * time.Second

// Handler runs one decoded request.
type Handler interface {
	Dispatch(ctx context.Context, req wire.Request) dispatch.Result
}

type Server struct {
	addr      wire.Address
	handler   Handler
	ioTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

type Option func(*Server)

// WithIOTimeout bounds reading the request and writing the reply.
func WithIOTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.ioTimeout = d
	}
}

func New(addr wire.Address, handler Handler, opts ...Option) *Server {
	s := &Server{addr: addr, handler: handler, ioTimeout: defaultIOTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the socket. A leftover unix socket file is removed unless a
// live server still answers on it.
func (s *Server) Listen() error {
	if s.addr.Network == "unix" {
		if err := prepareUnixSocket(s.addr.Addr); err != nil {
			return err
		}
	}

	ln, err := net.Listen(s.addr.Network, s.addr.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.WithField("listen", s.addr.String()).Info("control socket ready")
	return nil
}

// Addr is the bound address, useful with tcp port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts until ctx is cancelled, then waits for in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	defer s.cleanup()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				return nil
			}
			log.WithError(err).Warn("accept failed")
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	requestID := ulid.Make().String()
	logger := log.WithField("request_id", requestID)

	if s.ioTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.ioTimeout))
	}

	var res dispatch.Result
	req, err := wire.ReadRequest(conn)
	if err != nil {
		logger.WithError(err).Warn("bad request frame")
		res = dispatch.Result{Code: dispatch.CodeArgument, Message: "[error]: " + err.Error()}
	} else {
		logger.WithFields(log.Fields{"command": req.Command(), "pwd": req.Dir}).Debug("request received")

		// The handler may wait on a kill grace period; reply deadline starts after it.
		_ = conn.SetDeadline(time.Time{})
		res = s.handler.Dispatch(ctx, req)
		if s.ioTimeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(s.ioTimeout))
		}
	}

	// Device names and task output can carry arbitrary bytes.
	msg := strings.ToValidUTF8(res.Message, "\uFFFD")
	if err := wire.WriteString(conn, msg); err != nil {
		logger.WithError(err).Warn("failed to write response")
		return
	}
	logger.WithField("code", res.Code).Debug("response sent")
}

func (s *Server) cleanup() {
	if s.addr.Network != "unix" {
		return
	}
	if err := os.Remove(s.addr.Addr); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to remove control socket")
	}
}

func prepareUnixSocket(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: a server is running on %s", ErrAddressInUse, path)
	}

	log.WithField("path", path).Info("removing stale control socket")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}
