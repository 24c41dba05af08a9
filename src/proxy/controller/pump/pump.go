// Package pump moves messages between the editor and the language server,
// routing each through the rewriter and correlating requests with responses.
package pump

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/macrolens/preproc-proxy/src/proxy/controller/rewrite"
	"github.com/macrolens/preproc-proxy/src/proxy/entity"
	"github.com/macrolens/preproc-proxy/src/proxy/gateway/transport"
	"github.com/macrolens/preproc-proxy/src/proxy/repository/pending"
)

// _codeRequestFailed is LSP's RequestFailed error code, used for requests the
// proxy cannot express in the target coordinate space.
const _codeRequestFailed jsonrpc2.Code = -32803

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Pump runs both directions of message forwarding until either stream fails
// or correlation is lost.
type Pump interface {
	Run(ctx context.Context) error
}

type pump struct {
	gateway  transport.Gateway
	rewriter rewrite.Rewriter
	pending  pending.Repository
	logger   *zap.SugaredLogger
	stats    tally.Scope
}

// Params define values used to construct the pump.
type Params struct {
	fx.In

	Gateway  transport.Gateway
	Rewriter rewrite.Rewriter
	Pending  pending.Repository
	Logger   *zap.SugaredLogger
	Stats    tally.Scope
}

// New creates the connection pump.
func New(p Params) Pump {
	return &pump{
		gateway:  p.Gateway,
		rewriter: p.Rewriter,
		pending:  p.Pending,
		logger:   p.Logger.With("component", "pump"),
		stats:    p.Stats.SubScope("pump"),
	}
}

// Run opens both endpoints and forwards until one side disconnects. A
// desynchronization tears the whole session down; a half-translated session
// is worse than none.
func (p *pump) Run(ctx context.Context) error {
	if err := p.gateway.Open(ctx); err != nil {
		return err
	}
	session := uuid.Must(uuid.NewV4())
	logger := p.logger.With("session", session.String())
	logger.Infow("session started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		errs <- p.forward(ctx, logger, entity.EditorToServer, p.gateway.Editor(), p.gateway.Server())
	}()
	go func() {
		errs <- p.forward(ctx, logger, entity.ServerToEditor, p.gateway.Server(), p.gateway.Editor())
	}()

	first := <-errs
	cancel()
	closeErr := p.gateway.Close()
	second := <-errs

	err := multierr.Combine(ignoreDisconnect(first), ignoreDisconnect(second), closeErr)
	logger.Infow("session ended", "error", err, "inFlight", p.pending.Count(ctx))
	return err
}

// ignoreDisconnect filters the errors an orderly peer shutdown produces.
func ignoreDisconnect(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *pump) forward(ctx context.Context, logger *zap.SugaredLogger, direction entity.Direction, src, dst jsonrpc2.Stream) error {
	dirLogger := logger.With("direction", direction.String())
	for {
		msg, _, err := src.Read(ctx)
		if err != nil {
			return err
		}
		p.stats.Counter("messages").Inc(1)
		if err := p.handle(ctx, dirLogger, direction, msg, src, dst); err != nil {
			return err
		}
	}
}

// handle translates one message. A returned error is fatal for the session;
// per-message failures are answered or dropped in place.
func (p *pump) handle(ctx context.Context, logger *zap.SugaredLogger, direction entity.Direction, msg jsonrpc2.Message, src, dst jsonrpc2.Stream) error {
	switch m := msg.(type) {
	case *jsonrpc2.Call:
		return p.handleCall(ctx, logger, direction, m, src, dst)
	case *jsonrpc2.Notification:
		return p.handleNotification(ctx, logger, direction, m, dst)
	case *jsonrpc2.Response:
		return p.handleResponse(ctx, logger, direction, m, dst)
	default:
		logger.Warnw("unrecognized message kind", "message", msg)
		return nil
	}
}

func (p *pump) handleCall(ctx context.Context, logger *zap.SugaredLogger, direction entity.Direction, call *jsonrpc2.Call, src, dst jsonrpc2.Stream) error {
	rewritten, uri, err := p.rewriter.RewriteRequest(ctx, direction, call.Method(), call.Params())
	if err != nil {
		p.stats.Counter("rejected_requests").Inc(1)
		logger.Warnw("request rejected", "method", call.Method(), "id", call.ID(), "error", err)
		return p.respondError(ctx, src, call.ID(), err)
	}

	err = p.pending.Add(ctx, entity.PendingRequest{
		ID:        call.ID(),
		Method:    call.Method(),
		Direction: direction,
		URI:       uri,
	})
	if err != nil {
		return err
	}

	forwarded, err := jsonrpc2.NewCall(call.ID(), call.Method(), rawOrNil(rewritten))
	if err != nil {
		return err
	}
	_, err = dst.Write(ctx, forwarded)
	return err
}

func (p *pump) handleNotification(ctx context.Context, logger *zap.SugaredLogger, direction entity.Direction, note *jsonrpc2.Notification, dst jsonrpc2.Stream) error {
	rewritten, _, err := p.rewriter.RewriteRequest(ctx, direction, note.Method(), note.Params())
	if err != nil {
		if errors.Is(err, rewrite.ErrDropMessage) {
			p.stats.Counter("dropped_notifications").Inc(1)
			logger.Debugw("notification dropped", "method", note.Method(), "reason", err)
			return nil
		}
		p.stats.Counter("failed_notifications").Inc(1)
		logger.Warnw("notification not translatable", "method", note.Method(), "error", err)
		return nil
	}

	forwarded, err := jsonrpc2.NewNotification(note.Method(), rawOrNil(rewritten))
	if err != nil {
		return err
	}
	_, err = dst.Write(ctx, forwarded)
	return err
}

func (p *pump) handleResponse(ctx context.Context, logger *zap.SugaredLogger, direction entity.Direction, resp *jsonrpc2.Response, dst jsonrpc2.Stream) error {
	// The request traveled the other way.
	req, err := p.pending.Remove(ctx, resp.ID(), direction.Reverse())
	if err != nil {
		logger.Errorw("request correlation lost, tearing session down", "id", resp.ID(), "error", err)
		return err
	}

	if resp.Err() != nil {
		// Error responses carry no coordinates.
		_, err = dst.Write(ctx, resp)
		return err
	}

	ctx = rewrite.WithResultDocument(ctx, req.URI)
	rewritten, err := p.rewriter.RewriteResponse(ctx, direction, req.Method, resp.Result())
	if err != nil {
		p.stats.Counter("rejected_results").Inc(1)
		logger.Warnw("result rejected", "method", req.Method, "id", resp.ID(), "error", err)
		return p.respondError(ctx, dst, resp.ID(), err)
	}

	forwarded, err := jsonrpc2.NewResponse(resp.ID(), rawOrNil(rewritten), nil)
	if err != nil {
		return err
	}
	_, err = dst.Write(ctx, forwarded)
	return err
}

// respondError answers a request the proxy cannot translate.
func (p *pump) respondError(ctx context.Context, to jsonrpc2.Stream, id jsonrpc2.ID, cause error) error {
	resp, err := jsonrpc2.NewResponse(id, nil, jsonrpc2.NewError(_codeRequestFailed, cause.Error()))
	if err != nil {
		return err
	}
	_, err = to.Write(ctx, resp)
	return err
}

// rawOrNil avoids encoding absent payloads as JSON null.
func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
