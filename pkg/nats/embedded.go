package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// EmbeddedOption configures an embedded server.
type EmbeddedOption func(*server.Options)

// WithPort listens on port instead of a random one.
func WithPort(port int) EmbeddedOption {
	return func(o *server.Options) {
		o.Port = port
	}
}

// WithStoreDir keeps JetStream data in dir.
func WithStoreDir(dir string) EmbeddedOption {
	return func(o *server.Options) {
		o.StoreDir = dir
	}
}

// WithToken requires clients to authenticate with token.
func WithToken(token string) EmbeddedOption {
	return func(o *server.Options) {
		o.Authorization = token
	}
}

// WithUserPassword requires clients to authenticate as user.
func WithUserPassword(user, password string) EmbeddedOption {
	return func(o *server.Options) {
		o.Username = user
		o.Password = password
	}
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled
// on a random local port.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	sopts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	}
	for _, opt := range opts {
		opt(sopts)
	}

	s, err := server.NewServer(sopts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server. Safe to call multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
}
