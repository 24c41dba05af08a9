// Package transport establishes the two framed JSON-RPC streams the proxy
// sits between: one facing the editor, one facing the language server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_configKeyEditor = "editor"
	_configKeyServer = "server"

	// ModeStdio frames messages over the process's own stdin/stdout.
	ModeStdio = "stdio"
	// ModeConnect dials a TCP endpoint.
	ModeConnect = "connect"
	// ModeListen binds a TCP endpoint and accepts a single connection.
	ModeListen = "listen"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Gateway owns the proxy's two message streams.
type Gateway interface {
	// Open establishes both sides. The listening side, if any, binds first so
	// a peer configured to connect to this proxy has an endpoint to reach.
	Open(ctx context.Context) error

	// Editor returns the editor-facing stream. Valid after Open.
	Editor() jsonrpc2.Stream

	// Server returns the server-facing stream. Valid after Open.
	Server() jsonrpc2.Stream

	// Close tears down both streams. Safe to call more than once.
	Close() error
}

// EndpointConfig describes one side of the proxy.
type EndpointConfig struct {
	Mode    string `yaml:"mode"`
	Address string `yaml:"address"`
}

type gateway struct {
	editorCfg EndpointConfig
	serverCfg EndpointConfig
	logger    *zap.SugaredLogger

	editor jsonrpc2.Stream
	server jsonrpc2.Stream

	closeOnce sync.Once
	closeErr  error
}

// Params define values used to construct the gateway.
type Params struct {
	fx.In

	Config config.Provider
	Logger *zap.SugaredLogger
}

// New creates a gateway from the editor and server endpoint config.
func New(p Params) (Gateway, error) {
	g := &gateway{logger: p.Logger.With("component", "transport")}
	if err := p.Config.Get(_configKeyEditor).Populate(&g.editorCfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyEditor, err)
	}
	if err := p.Config.Get(_configKeyServer).Populate(&g.serverCfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyServer, err)
	}
	if err := validate(g.editorCfg, g.serverCfg); err != nil {
		return nil, err
	}
	return g, nil
}

func validate(editor, server EndpointConfig) error {
	for _, ep := range []EndpointConfig{editor, server} {
		switch ep.Mode {
		case ModeStdio:
		case ModeConnect, ModeListen:
			if ep.Address == "" {
				return fmt.Errorf("endpoint mode %q requires an address", ep.Mode)
			}
		default:
			return fmt.Errorf("unknown endpoint mode %q", ep.Mode)
		}
	}
	if editor.Mode == ModeStdio && server.Mode == ModeStdio {
		return errors.New("at most one endpoint may use stdio")
	}
	return nil
}

// Open establishes both sides, listening endpoints first.
func (g *gateway) Open(ctx context.Context) error {
	type side struct {
		name   string
		cfg    EndpointConfig
		stream *jsonrpc2.Stream
	}
	sides := []side{
		{name: "editor", cfg: g.editorCfg, stream: &g.editor},
		{name: "server", cfg: g.serverCfg, stream: &g.server},
	}
	// Accepting sides go first so connecting peers have something to dial.
	for _, listening := range []bool{true, false} {
		for _, s := range sides {
			if (s.cfg.Mode == ModeListen) != listening {
				continue
			}
			stream, err := g.open(ctx, s.cfg)
			if err != nil {
				return fmt.Errorf("opening %s endpoint: %w", s.name, err)
			}
			*s.stream = stream
			g.logger.Infow("endpoint ready", "side", s.name, "mode", s.cfg.Mode, "address", s.cfg.Address)
		}
	}
	return nil
}

func (g *gateway) open(ctx context.Context, cfg EndpointConfig) (jsonrpc2.Stream, error) {
	switch cfg.Mode {
	case ModeStdio:
		return jsonrpc2.NewStream(stdioPipe{}), nil

	case ModeConnect:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, err
		}
		return jsonrpc2.NewStream(conn), nil

	case ModeListen:
		ln, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return nil, err
		}
		defer func() { _ = ln.Close() }()

		accepted := make(chan net.Conn, 1)
		acceptErr := make(chan error, 1)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			accepted <- conn
		}()
		select {
		case conn := <-accepted:
			return jsonrpc2.NewStream(conn), nil
		case err := <-acceptErr:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		return nil, fmt.Errorf("unknown endpoint mode %q", cfg.Mode)
	}
}

// Editor returns the editor-facing stream.
func (g *gateway) Editor() jsonrpc2.Stream { return g.editor }

// Server returns the server-facing stream.
func (g *gateway) Server() jsonrpc2.Stream { return g.server }

// Close tears down both streams.
func (g *gateway) Close() error {
	g.closeOnce.Do(func() {
		if g.editor != nil {
			g.closeErr = multierr.Append(g.closeErr, g.editor.Close())
		}
		if g.server != nil {
			g.closeErr = multierr.Append(g.closeErr, g.server.Close())
		}
	})
	return g.closeErr
}

// stdioPipe adapts the process's stdin/stdout to io.ReadWriteCloser for the
// framed stream.
type stdioPipe struct{}

func (stdioPipe) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioPipe) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (stdioPipe) Close() error {
	return multierr.Append(os.Stdin.Close(), os.Stdout.Close())
}
