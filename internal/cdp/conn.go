package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/go-logr/logr"

	"github.com/HsiangNianian/bidimapper/internal/future"
)

type outgoingMessage struct {
	ID        int64            `json:"id"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
	Method    string           `json:"method"`
	Params    any              `json:"params,omitempty"`
}

type incomingMessage struct {
	ID        *int64           `json:"id"`
	SessionID target.SessionID `json:"sessionId"`
	Method    string           `json:"method"`
	Params    json.RawMessage  `json:"params"`
	Result    json.RawMessage  `json:"result"`
	Error     *ProtocolError   `json:"error"`
}

type detachedFromTarget struct {
	SessionID target.SessionID `json:"sessionId"`
}

// Conn is a Connection over one MessageTransport.
type Conn struct {
	transport MessageTransport
	log       logr.Logger
	seq       sequenceCounter
	pending   *pendingCallMap

	mu       sync.RWMutex
	browser  *sessionClient
	sessions map[target.SessionID]*sessionClient
	handlers []func(Event)

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Connection = (*Conn)(nil)

// NewConn starts reading from transport. The connection owns the transport
// and closes it on Close or when reading fails.
func NewConn(transport MessageTransport, log logr.Logger) *Conn {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	c := &Conn{
		transport: transport,
		log:       log,
		pending:   newPendingCallMap(),
		sessions:  make(map[target.SessionID]*sessionClient),
		closed:    make(chan struct{}),
	}
	c.browser = &sessionClient{conn: c}
	go c.readLoop()
	return c
}

func (c *Conn) BrowserClient() Client {
	return c.browser
}

func (c *Conn) ClientFor(sessionID target.SessionID) (Client, error) {
	if sessionID == "" {
		return c.browser, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	client, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return client, nil
}

func (c *Conn) OnEvent(handler func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closed)
		closeErr = c.transport.Close()
		c.pending.DrainWithError(ErrConnectionClosed)
	})
	return closeErr
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) send(ctx context.Context, sessionID target.SessionID, method string, params, result any) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	if sessionID != "" {
		c.mu.RLock()
		_, attached := c.sessions[sessionID]
		c.mu.RUnlock()
		if !attached {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
		}
	}

	id := c.seq.Next()
	payload, err := json.Marshal(outgoingMessage{
		ID:        id,
		SessionID: sessionID,
		Method:    method,
		Params:    params,
	})
	if err != nil {
		return fmt.Errorf("cdp: marshal %s: %w", method, err)
	}

	call := &pendingCall{
		sessionID: sessionID,
		method:    method,
		result:    future.New[json.RawMessage](),
	}
	c.pending.Add(id, call)

	c.log.V(1).Info("Sending CDP command", "id", id, "session", sessionID, "method", method)
	if err := c.transport.WriteMessage(payload); err != nil {
		c.pending.Take(id)
		if c.isClosed() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("cdp: write %s: %w", method, err)
	}

	raw, err := call.result.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.pending.Take(id)
		}
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("cdp: decode %s result: %w", method, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.log.Info("Browser connection lost", "error", err.Error())
			}
			_ = c.Close()
			return
		}

		var msg incomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error(err, "Dropping malformed CDP message")
			continue
		}

		if msg.ID != nil {
			c.handleResponse(*msg.ID, msg)
			continue
		}
		c.handleEvent(Event{
			SessionID: msg.SessionID,
			Method:    msg.Method,
			Params:    msg.Params,
		})
	}
}

func (c *Conn) handleResponse(id int64, msg incomingMessage) {
	call := c.pending.Take(id)
	if call == nil {
		c.log.V(1).Info("Response for unknown CDP command", "id", id)
		return
	}
	c.log.V(1).Info("Received CDP response", "id", id, "method", call.method, "failed", msg.Error != nil)
	if msg.Error != nil {
		call.result.Reject(msg.Error)
		return
	}
	call.result.Resolve(msg.Result)
}

func (c *Conn) handleEvent(ev Event) {
	switch ev.Method {
	case string(cdproto.EventTargetAttachedToTarget):
		var attached target.EventAttachedToTarget
		if err := json.Unmarshal(ev.Params, &attached); err != nil {
			c.log.Error(err, "Malformed attachedToTarget event")
			break
		}
		c.mu.Lock()
		c.sessions[attached.SessionID] = &sessionClient{conn: c, id: attached.SessionID}
		c.mu.Unlock()

	case string(cdproto.EventTargetDetachedFromTarget):
		var detached detachedFromTarget
		if err := json.Unmarshal(ev.Params, &detached); err != nil {
			c.log.Error(err, "Malformed detachedFromTarget event")
			break
		}
		c.mu.Lock()
		delete(c.sessions, detached.SessionID)
		c.mu.Unlock()
		c.pending.FailSession(detached.SessionID, fmt.Errorf("%w: %s", ErrSessionClosed, detached.SessionID))
	}

	c.mu.RLock()
	handlers := make([]func(Event), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		handler(ev)
	}
}

type sessionClient struct {
	conn *Conn
	id   target.SessionID
}

func (s *sessionClient) SendCommand(ctx context.Context, method string, params, result any) error {
	return s.conn.send(ctx, s.id, method, params, result)
}

func (s *sessionClient) SessionID() target.SessionID {
	return s.id
}

func (s *sessionClient) IsCloseError(err error) bool {
	return IsCloseError(err)
}
