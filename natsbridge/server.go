// Package natsbridge mirrors session events into an embedded NATS JetStream
// stream so out-of-process front ends can follow and replay them.
package natsbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Options configures Open.
type Options struct {
	// DataDir holds JetStream file storage. Empty uses memory storage.
	DataDir string
	// Listen exposes the server on Host:Port for external subscribers.
	// Zero keeps it in-process only.
	Host string
	Port int
	// MaxAge bounds event retention; zero keeps events for 7 days.
	MaxAge time.Duration
	Logger *zap.Logger
}

// Embedded is a running in-process NATS server with its connection and the
// events stream.
type Embedded struct {
	Server *server.Server
	Conn   *nats.Conn
	JS     jetstream.JetStream
	Stream jetstream.Stream
	logger *zap.Logger
}

// Open starts the embedded server, connects in-process and creates the
// events stream.
func Open(ctx context.Context, opts Options) (*Embedded, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ns, err := startServer(opts, logger)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect("", nats.InProcessServer(ns))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect in-process: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		_ = shutdown(nc, ns, logger)
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	stream, err := SetupStream(ctx, js, opts.DataDir == "", opts.MaxAge)
	if err != nil {
		_ = shutdown(nc, ns, logger)
		return nil, fmt.Errorf("setup stream: %w", err)
	}
	logger.Info("event stream ready", zap.String("stream", StreamName), zap.String("data_dir", opts.DataDir))
	return &Embedded{Server: ns, Conn: nc, JS: js, Stream: stream, logger: logger}, nil
}

func startServer(opts Options, logger *zap.Logger) (*server.Server, error) {
	sopts := &server.Options{
		JetStream:  true,
		StoreDir:   opts.DataDir,
		DontListen: opts.Port == 0,
		Host:       opts.Host,
		Port:       opts.Port,
		NoSigs:     true,
		NoLog:      true,
	}

	ns, err := server.NewServer(sopts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("nats server failed to start within timeout")
	}
	logger.Debug("nats server ready", zap.Bool("listening", opts.Port != 0))
	return ns, nil
}

// Close drains the connection and shuts the server down.
func (e *Embedded) Close() error {
	return shutdown(e.Conn, e.Server, e.logger)
}

func shutdown(nc *nats.Conn, ns *server.Server, logger *zap.Logger) error {
	if nc != nil {
		drained := make(chan error, 1)
		go func() { drained <- nc.Drain() }()
		select {
		case err := <-drained:
			if err != nil {
				logger.Warn("nats drain failed, forcing close", zap.Error(err))
				nc.Close()
			}
		case <-time.After(2 * time.Second):
			logger.Warn("nats drain timed out, forcing close")
			nc.Close()
		}
	}
	if ns != nil {
		ns.Shutdown()
		done := make(chan struct{})
		go func() {
			ns.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			return errors.New("nats server shutdown timed out")
		}
	}
	return nil
}
