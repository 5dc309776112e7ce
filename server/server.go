// Package server serves inspection and snapshot control RPCs for a running
// VM over Connect and gRPC.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/rxell/phantomuserland/snapshot"
	"github.com/rxell/phantomuserland/vm"
)

var log = commonlog.GetLogger("phantom.server")

// PhantomServer wraps a running VM. It serves gRPC (HTTP/2 cleartext) and
// Connect (HTTP/1.1 or HTTP/2, CBOR or JSON) on the same port.
type PhantomServer struct {
	worker *VMWorker
	mux    *http.ServeMux

	mu  sync.Mutex
	srv *http.Server
}

// ServerOption configures a PhantomServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	snapshotter  *snapshot.Snapshotter
	readMaxBytes int
}

// WithSnapshotter enables the snapshot service and snapshot counts in
// Status. Without it the snapshot procedures fail with FailedPrecondition.
func WithSnapshotter(s *snapshot.Snapshotter) ServerOption {
	return func(c *serverConfig) { c.snapshotter = s }
}

// WithReadMaxBytes limits the size of request messages.
func WithReadMaxBytes(n int) ServerOption {
	return func(c *serverConfig) { c.readMaxBytes = n }
}

// New creates a PhantomServer wrapping the given VM.
func New(v *vm.VM, opts ...ServerOption) *PhantomServer {
	cfg := &serverConfig{readMaxBytes: 1 << 20}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &PhantomServer{
		worker: NewVMWorker(v),
		mux:    http.NewServeMux(),
	}

	handlerOpts := []connect.HandlerOption{
		connect.WithCodec(CBORCodec{}),
		connect.WithCodec(JSONCodec{}),
		connect.WithReadMaxBytes(cfg.readMaxBytes),
	}
	NewInspectService(s.worker, cfg.snapshotter).register(s.mux, handlerOpts...)
	NewSnapshotService(s.worker, cfg.snapshotter).register(s.mux, handlerOpts...)

	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *PhantomServer) Handler() http.Handler { return s.mux }

// ListenAndServe starts the server on the given address, in the form
// "host:port" or ":port". It returns nil after Shutdown.
func (s *PhantomServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *PhantomServer) Serve(ln net.Listener) error {
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)

	srv := &http.Server{
		Handler:           s.mux,
		Protocols:         &protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	addr := ln.Addr().String()
	log.Noticef("phantom server listening on %s", addr)
	log.Infof("  Connect (HTTP/JSON): http://%s%s", addr, StatusProcedure)
	log.Infof("  gRPC (CBOR):         grpc://%s", addr)

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, waits for requests in flight and
// stops the worker.
func (s *PhantomServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.worker.Stop()
	return err
}
