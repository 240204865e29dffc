// Package server exposes the DICOM listener wiring the PDU and DIMSE
// layers. The listener rebinds in place when the proxy's endpoint
// configuration changes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/caio-sobreiro/pacsproxy/dimse"
	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/pdu"
)

// Endpoint is the listener's bind address and AE title.
type Endpoint struct {
	Address string
	AETitle string
}

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithReadTimeout sets the read timeout for client connections.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets the write timeout for client connections.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.WriteTimeout = timeout
	}
}

// Server is a restartable DICOM listener wiring the DIMSE and PDU
// layers. ApplyEndpoint swaps the bind address or AE title while Run
// keeps serving; connections in flight finish on the old endpoint.
type Server struct {
	Handler      interfaces.ServiceHandler
	Logger       *slog.Logger
	ReadTimeout  time.Duration // Read timeout for connections (default: 60s)
	WriteTimeout time.Duration // Write timeout for connections (default: 60s)

	mu       sync.Mutex
	endpoint Endpoint
	addr     net.Addr
	restart  chan struct{}
}

// New builds a Server with the provided endpoint and handler.
func New(endpoint Endpoint, handler interfaces.ServiceHandler, opts ...Option) *Server {
	srv := &Server{
		Handler:  handler,
		endpoint: endpoint,
		restart:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ApplyEndpoint publishes a new endpoint. When it differs from the
// current one, a running Run loop closes its listener and rebinds.
func (s *Server) ApplyEndpoint(ep Endpoint) {
	s.mu.Lock()
	changed := ep != s.endpoint
	s.endpoint = ep
	s.mu.Unlock()
	if !changed {
		return
	}
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// Addr returns the currently bound listener address, or nil before the
// first successful bind.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) currentEndpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Server) setAddr(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
}

// Run listens on the current endpoint until ctx is cancelled,
// rebinding whenever ApplyEndpoint changes it. A bind or accept
// failure ends the loop.
func (s *Server) Run(ctx context.Context) error {
	if s.Handler == nil {
		return errors.New("dicomserver: handler is required")
	}

	for {
		// Drain before reading the endpoint so a swap that landed
		// between iterations does not trigger a second rebind.
		select {
		case <-s.restart:
		default:
		}
		ep := s.currentEndpoint()
		if ep.AETitle == "" {
			return errors.New("dicomserver: AE title is required")
		}

		listener, err := net.Listen("tcp", ep.Address)
		if err != nil {
			return err
		}
		s.setAddr(listener.Addr())

		srvCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- s.serve(srvCtx, listener, ep.AETitle)
		}()

		select {
		case <-ctx.Done():
			cancel()
			<-errCh
			return nil
		case <-s.restart:
			s.logger().Info("DICOM endpoint changed, rebinding listener")
			cancel()
			<-errCh
		case err := <-errCh:
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// serve accepts connections from listener until ctx is cancelled or an
// unrecoverable error occurs.
func (s *Server) serve(ctx context.Context, listener net.Listener, aeTitle string) error {
	logger := s.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("DICOM server listening",
		"address", listener.Addr().String(),
		"ae_title", aeTitle)

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Accept timeout", "error", err)
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c, aeTitle, logger)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}

	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, aeTitle string, logger *slog.Logger) {
	logger.Info("Accepted DICOM connection",
		"remote_addr", conn.RemoteAddr())

	// Set timeouts if configured
	if s.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
			logger.Warn("Failed to set read deadline", "error", err)
		}
	}
	if s.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
			logger.Warn("Failed to set write deadline", "error", err)
		}
	}

	adapter := &dimseHandlerAdapter{service: dimse.NewService(s.Handler, logger)}
	layer := pdu.NewLayer(conn, adapter, aeTitle, logger)

	if err := layer.HandleConnection(); err != nil && ctx.Err() == nil {
		logger.Warn("DIMSE connection ended",
			"error", err,
			"remote_addr", conn.RemoteAddr())
	} else {
		logger.Info("DIMSE connection closed",
			"remote_addr", conn.RemoteAddr())
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

type dimseHandlerAdapter struct {
	service *dimse.Service
}

func (a *dimseHandlerAdapter) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, layer *pdu.Layer) error {
	return a.service.HandleDIMSEMessage(presContextID, msgCtrlHeader, data, layer)
}
