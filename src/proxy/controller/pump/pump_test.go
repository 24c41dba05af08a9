package pump

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/macrolens/preproc-proxy/src/proxy/controller/rewrite"
	"github.com/macrolens/preproc-proxy/src/proxy/entity"
	"github.com/macrolens/preproc-proxy/src/proxy/factory"
	"github.com/macrolens/preproc-proxy/src/proxy/repository/pending"
)

const _timeout = 2 * time.Second

// chanStream is an in-memory jsonrpc2.Stream fed and observed by the test.
type chanStream struct {
	in     chan jsonrpc2.Message
	out    chan jsonrpc2.Message
	closed chan struct{}
	once   sync.Once
}

func newChanStream() *chanStream {
	return &chanStream{
		in:     make(chan jsonrpc2.Message, 16),
		out:    make(chan jsonrpc2.Message, 16),
		closed: make(chan struct{}),
	}
}

func (s *chanStream) Read(ctx context.Context) (jsonrpc2.Message, int64, error) {
	select {
	case msg, ok := <-s.in:
		if !ok {
			return nil, 0, io.EOF
		}
		return msg, 0, nil
	case <-s.closed:
		return nil, 0, io.EOF
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (s *chanStream) Write(ctx context.Context, msg jsonrpc2.Message) (int64, error) {
	select {
	case s.out <- msg:
		return 0, nil
	case <-s.closed:
		return 0, io.EOF
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeGateway struct {
	editor *chanStream
	server *chanStream
}

func (g *fakeGateway) Open(ctx context.Context) error { return nil }
func (g *fakeGateway) Editor() jsonrpc2.Stream        { return g.editor }
func (g *fakeGateway) Server() jsonrpc2.Stream        { return g.server }

func (g *fakeGateway) Close() error {
	_ = g.editor.Close()
	return g.server.Close()
}

// stubRewriter forwards payloads untouched unless told to fail.
type stubRewriter struct {
	requestErr  error
	responseErr error
}

func (s stubRewriter) RewriteRequest(ctx context.Context, direction entity.Direction, method string, params json.RawMessage) (json.RawMessage, protocol.DocumentURI, error) {
	if s.requestErr != nil {
		return nil, "", s.requestErr
	}
	return params, "", nil
}

func (s stubRewriter) RewriteResponse(ctx context.Context, direction entity.Direction, method string, result json.RawMessage) (json.RawMessage, error) {
	if s.responseErr != nil {
		return nil, s.responseErr
	}
	return result, nil
}

type harness struct {
	gateway *fakeGateway
	pending pending.Repository
	done    chan error
}

func start(t *testing.T, rewriter rewrite.Rewriter) *harness {
	t.Helper()
	h := &harness{
		gateway: &fakeGateway{editor: newChanStream(), server: newChanStream()},
		pending: pending.New(tally.NoopScope),
		done:    make(chan error, 1),
	}
	p := New(Params{
		Gateway:  h.gateway,
		Rewriter: rewriter,
		Pending:  h.pending,
		Logger:   zap.NewNop().Sugar(),
		Stats:    tally.NoopScope,
	})
	go func() { h.done <- p.Run(context.Background()) }()
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	close(h.gateway.editor.in)
	select {
	case err := <-h.done:
		return err
	case <-time.After(_timeout):
		t.Fatal("pump did not stop")
		return nil
	}
}

func receive(t *testing.T, from chan jsonrpc2.Message) jsonrpc2.Message {
	t.Helper()
	select {
	case msg := <-from:
		return msg
	case <-time.After(_timeout):
		t.Fatal("no message forwarded")
		return nil
	}
}

func TestCallAndResponseForwarded(t *testing.T) {
	h := start(t, stubRewriter{})

	call := factory.JSONRPCCall(1, protocol.MethodTextDocumentDefinition, map[string]string{"k": "v"})
	h.gateway.editor.in <- call

	forwarded, ok := receive(t, h.gateway.server.out).(*jsonrpc2.Call)
	require.True(t, ok)
	assert.Equal(t, call.ID(), forwarded.ID())
	assert.Equal(t, call.Method(), forwarded.Method())
	assert.Equal(t, 1, h.pending.Count(context.Background()))

	h.gateway.server.in <- factory.JSONRPCResponse(1, []string{"result"})

	response, ok := receive(t, h.gateway.editor.out).(*jsonrpc2.Response)
	require.True(t, ok)
	assert.Equal(t, call.ID(), response.ID())
	assert.NoError(t, response.Err())
	assert.Equal(t, 0, h.pending.Count(context.Background()))

	assert.NoError(t, h.stop(t))
}

func TestUntranslatableRequestAnsweredWithError(t *testing.T) {
	h := start(t, stubRewriter{requestErr: errors.New("no counterpart")})

	call := factory.JSONRPCCall(7, protocol.MethodTextDocumentDefinition, map[string]string{})
	h.gateway.editor.in <- call

	response, ok := receive(t, h.gateway.editor.out).(*jsonrpc2.Response)
	require.True(t, ok)
	assert.Equal(t, call.ID(), response.ID())
	require.Error(t, response.Err())
	assert.Contains(t, response.Err().Error(), "no counterpart")

	// Nothing reached the server and nothing is pending.
	assert.Empty(t, h.gateway.server.out)
	assert.Equal(t, 0, h.pending.Count(context.Background()))

	assert.NoError(t, h.stop(t))
}

func TestDroppedNotificationIsSilent(t *testing.T) {
	h := start(t, stubRewriter{requestErr: rewrite.ErrDropMessage})

	h.gateway.editor.in <- factory.JSONRPCNotification(protocol.MethodTextDocumentDidChange, map[string]string{})

	select {
	case msg := <-h.gateway.server.out:
		t.Fatalf("notification should have been dropped, got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	assert.NoError(t, h.stop(t))
}

func TestUnmatchedResponseTearsSessionDown(t *testing.T) {
	h := start(t, stubRewriter{})

	h.gateway.server.in <- factory.JSONRPCResponse(99, "orphan")

	select {
	case err := <-h.done:
		desync := &pending.DesynchronizationError{}
		assert.ErrorAs(t, err, &desync)
	case <-time.After(_timeout):
		t.Fatal("pump did not tear down")
	}
}

func TestUntranslatableResultAnsweredWithError(t *testing.T) {
	h := start(t, stubRewriter{responseErr: errors.New("edit spans derived-only text")})

	call := factory.JSONRPCCall(3, protocol.MethodTextDocumentRename, map[string]string{})
	h.gateway.editor.in <- call
	receive(t, h.gateway.server.out)

	h.gateway.server.in <- factory.JSONRPCResponse(3, map[string]string{"changes": "x"})

	response, ok := receive(t, h.gateway.editor.out).(*jsonrpc2.Response)
	require.True(t, ok)
	assert.Equal(t, call.ID(), response.ID())
	require.Error(t, response.Err())

	assert.NoError(t, h.stop(t))
}

func TestErrorResponseForwardedUntouched(t *testing.T) {
	h := start(t, stubRewriter{})

	call := factory.JSONRPCCall(4, protocol.MethodTextDocumentDefinition, map[string]string{})
	h.gateway.editor.in <- call
	receive(t, h.gateway.server.out)

	failed, err := jsonrpc2.NewResponse(jsonrpc2.NewNumberID(4), nil, jsonrpc2.NewError(jsonrpc2.InternalError, "server broke"))
	require.NoError(t, err)
	h.gateway.server.in <- failed

	response, ok := receive(t, h.gateway.editor.out).(*jsonrpc2.Response)
	require.True(t, ok)
	require.Error(t, response.Err())
	assert.Contains(t, response.Err().Error(), "server broke")
	assert.Equal(t, 0, h.pending.Count(context.Background()))

	assert.NoError(t, h.stop(t))
}

func TestCancelNotificationForwardedUntouched(t *testing.T) {
	h := start(t, stubRewriter{})

	note := factory.JSONRPCNotification("$/cancelRequest", map[string]int{"id": 12})
	h.gateway.editor.in <- note

	forwarded, ok := receive(t, h.gateway.server.out).(*jsonrpc2.Notification)
	require.True(t, ok)
	assert.Equal(t, "$/cancelRequest", forwarded.Method())
	assert.JSONEq(t, `{"id":12}`, string(forwarded.Params()))

	assert.NoError(t, h.stop(t))
}
