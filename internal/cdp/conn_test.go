package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport is an in-memory MessageTransport driven by the test.
type pipeTransport struct {
	in        chan []byte
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, errors.New("pipe closed")
	}
}

func (p *pipeTransport) WriteMessage(data []byte) error {
	select {
	case <-p.done:
		return errors.New("pipe closed")
	case p.out <- data:
		return nil
	}
}

func (p *pipeTransport) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *pipeTransport) next(t *testing.T) outgoingMessage {
	t.Helper()
	select {
	case data := <-p.out:
		var msg struct {
			ID        int64            `json:"id"`
			SessionID target.SessionID `json:"sessionId"`
			Method    string           `json:"method"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		return outgoingMessage{ID: msg.ID, SessionID: msg.SessionID, Method: msg.Method}
	case <-time.After(2 * time.Second):
		t.Fatal("no message written")
		return outgoingMessage{}
	}
}

func (p *pipeTransport) push(v any) {
	data, _ := json.Marshal(v)
	p.in <- data
}

func attachSession(t *testing.T, pipe *pipeTransport, conn *Conn, sessionID string) {
	t.Helper()
	pipe.push(map[string]any{
		"method": "Target.attachedToTarget",
		"params": map[string]any{
			"sessionId":          sessionID,
			"targetInfo":         map[string]any{"targetId": "T-" + sessionID, "type": "page", "title": "", "url": "about:blank", "attached": true, "canAccessOpener": false},
			"waitingForDebugger": true,
		},
	})
	require.Eventually(t, func() bool {
		_, err := conn.ClientFor(target.SessionID(sessionID))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnSendCommandDecodesResult(t *testing.T) {
	t.Parallel()

	pipe := newPipeTransport()
	conn := NewConn(pipe, testr.New(t))
	defer conn.Close()

	type result struct {
		out page.AddScriptToEvaluateOnNewDocumentReturns
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		var r result
		r.err = conn.BrowserClient().SendCommand(context.Background(), page.CommandAddScriptToEvaluateOnNewDocument,
			page.AddScriptToEvaluateOnNewDocument("1+1"), &r.out)
		resCh <- r
	}()

	msg := pipe.next(t)
	assert.Equal(t, page.CommandAddScriptToEvaluateOnNewDocument, msg.Method)
	assert.Empty(t, msg.SessionID)
	pipe.push(map[string]any{"id": msg.ID, "result": map[string]any{"identifier": "42"}})

	r := <-resCh
	require.NoError(t, r.err)
	assert.Equal(t, page.ScriptIdentifier("42"), r.out.Identifier)
	assert.Zero(t, conn.pending.Len())
}

func TestConnMessageIDsIncrease(t *testing.T) {
	t.Parallel()

	pipe := newPipeTransport()
	conn := NewConn(pipe, testr.New(t))
	defer conn.Close()

	for i := 0; i < 3; i++ {
		go func() {
			_ = conn.BrowserClient().SendCommand(context.Background(), "Browser.getVersion", nil, nil)
		}()
	}

	seen := map[int64]bool{}
	for i := 0; i < 3; i++ {
		msg := pipe.next(t)
		assert.False(t, seen[msg.ID], "message id reused")
		seen[msg.ID] = true
		pipe.push(map[string]any{"id": msg.ID, "result": map[string]any{}})
	}
}

func TestConnProtocolError(t *testing.T) {
	t.Parallel()

	pipe := newPipeTransport()
	conn := NewConn(pipe, testr.New(t))
	defer conn.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.BrowserClient().SendCommand(context.Background(), "Page.reload", nil, nil)
	}()

	msg := pipe.next(t)
	pipe.push(map[string]any{"id": msg.ID, "error": map[string]any{"code": -32000, "message": "Not allowed"}})

	err := <-errCh
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, int64(-32000), protoErr.Code)
	assert.False(t, IsCloseError(err))
}

func TestConnSessionLifecycle(t *testing.T) {
	t.Parallel()

	pipe := newPipeTransport()
	conn := NewConn(pipe, testr.New(t))
	defer conn.Close()

	_, err := conn.ClientFor("S1")
	require.ErrorIs(t, err, ErrSessionNotFound)

	attachSession(t, pipe, conn, "S1")
	client, err := conn.ClientFor("S1")
	require.NoError(t, err)
	assert.Equal(t, target.SessionID("S1"), client.SessionID())

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.SendCommand(context.Background(), "Runtime.evaluate", nil, nil)
	}()
	msg := pipe.next(t)
	assert.Equal(t, target.SessionID("S1"), msg.SessionID)

	pipe.push(map[string]any{
		"method": "Target.detachedFromTarget",
		"params": map[string]any{"sessionId": "S1", "targetId": "T-S1"},
	})

	err = <-errCh
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, client.IsCloseError(err))

	_, err = conn.ClientFor("S1")
	require.ErrorIs(t, err, ErrSessionNotFound)

	err = client.SendCommand(context.Background(), "Runtime.evaluate", nil, nil)
	assert.True(t, IsCloseError(err))
}

func TestConnDeliversEventsInOrder(t *testing.T) {
	t.Parallel()

	pipe := newPipeTransport()
	conn := NewConn(pipe, testr.New(t))
	defer conn.Close()

	var mu sync.Mutex
	var methods []string
	conn.OnEvent(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		methods = append(methods, ev.Method)
	})

	pipe.push(map[string]any{"method": "Page.loadEventFired", "params": map[string]any{}})
	pipe.push(map[string]any{"method": "Page.domContentEventFired", "params": map[string]any{}})
	pipe.push(map[string]any{"method": "Page.frameNavigated", "params": map[string]any{}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(methods) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Page.loadEventFired", "Page.domContentEventFired", "Page.frameNavigated"}, methods)
}

func TestConnCloseFailsPendingCalls(t *testing.T) {
	t.Parallel()

	pipe := newPipeTransport()
	conn := NewConn(pipe, testr.New(t))

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.BrowserClient().SendCommand(context.Background(), "Browser.getVersion", nil, nil)
	}()
	pipe.next(t)

	require.NoError(t, conn.Close())
	err := <-errCh
	require.ErrorIs(t, err, ErrConnectionClosed)

	err = conn.BrowserClient().SendCommand(context.Background(), "Browser.getVersion", nil, nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnSendHonorsContext(t *testing.T) {
	t.Parallel()

	pipe := newPipeTransport()
	conn := NewConn(pipe, testr.New(t))
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := conn.BrowserClient().SendCommand(ctx, "Browser.getVersion", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, conn.pending.Len())
}

func TestCloseErrorPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		closeErr    bool
		sessionGone bool
	}{
		{name: "nil", err: nil},
		{name: "session closed", err: ErrSessionClosed, closeErr: true, sessionGone: true},
		{name: "connection closed", err: ErrConnectionClosed, closeErr: true, sessionGone: true},
		{name: "session not found", err: fmt.Errorf("wrapped: %w", ErrSessionNotFound), closeErr: true, sessionGone: true},
		{name: "session not found code", err: &ProtocolError{Code: -32001, Message: "whatever"}, closeErr: true, sessionGone: true},
		{name: "target closed", err: &ProtocolError{Code: -32000, Message: "Target closed"}, closeErr: true, sessionGone: true},
		{name: "navigated", err: &ProtocolError{Code: -32000, Message: "Inspected target navigated or closed"}, closeErr: true},
		{name: "context destroyed", err: &ProtocolError{Code: -32000, Message: "Execution context was destroyed."}, closeErr: true},
		{name: "genuine protocol error", err: &ProtocolError{Code: -32602, Message: "Invalid parameters"}},
		{name: "plain error", err: errors.New("boom")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.closeErr, IsCloseError(tc.err))
			assert.Equal(t, tc.sessionGone, IsSessionGone(tc.err))
		})
	}
}
