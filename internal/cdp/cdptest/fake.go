// Package cdptest provides in-memory CDP clients and connections that record
// the commands sent through them.
package cdptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
)

// Call is one recorded command.
type Call struct {
	SessionID target.SessionID
	Method    string
	Params    json.RawMessage
}

// Handler produces the result of a command. A nil result with a nil error
// answers with an empty result.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Client is a cdp.Client backed by a Handler.
type Client struct {
	sessionID target.SessionID

	mu      sync.Mutex
	handler Handler
	calls   []Call
	sent    chan Call
}

var _ cdp.Client = (*Client)(nil)

func NewClient(sessionID target.SessionID, handler Handler) *Client {
	return &Client{
		sessionID: sessionID,
		handler:   handler,
		sent:      make(chan Call, 256),
	}
}

// SetHandler replaces the handler for subsequent commands.
func (c *Client) SetHandler(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *Client) SendCommand(ctx context.Context, method string, params, result any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("cdptest: marshal %s params: %w", method, err)
		}
		raw = b
	}

	call := Call{SessionID: c.sessionID, Method: method, Params: raw}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	handler := c.handler
	c.mu.Unlock()

	select {
	case c.sent <- call:
	default:
	}

	if handler == nil {
		return nil
	}
	res, err := handler(ctx, method, raw)
	if err != nil {
		return err
	}
	if result == nil || res == nil {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("cdptest: marshal %s result: %w", method, err)
	}
	return json.Unmarshal(b, result)
}

func (c *Client) SessionID() target.SessionID {
	return c.sessionID
}

func (c *Client) IsCloseError(err error) bool {
	return cdp.IsCloseError(err)
}

// Calls returns a snapshot of every command sent so far.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Methods returns the method names of Calls, in order.
func (c *Client) Methods() []string {
	calls := c.Calls()
	methods := make([]string, 0, len(calls))
	for _, call := range calls {
		methods = append(methods, call.Method)
	}
	return methods
}

// CallsTo returns the recorded calls of one method.
func (c *Client) CallsTo(method string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Sent delivers calls as they are made. It drops calls nobody reads once
// its buffer is full.
func (c *Client) Sent() <-chan Call {
	return c.sent
}

// Connection is a cdp.Connection over fake clients.
type Connection struct {
	browser *Client

	mu       sync.RWMutex
	sessions map[target.SessionID]*Client
	handlers []func(cdp.Event)
	closed   bool
}

var _ cdp.Connection = (*Connection)(nil)

func NewConnection(browser Handler) *Connection {
	return &Connection{
		browser:  NewClient("", browser),
		sessions: make(map[target.SessionID]*Client),
	}
}

// Browser returns the browser-level fake.
func (c *Connection) Browser() *Client {
	return c.browser
}

func (c *Connection) BrowserClient() cdp.Client {
	return c.browser
}

// AddSession registers a session client, replacing any previous one.
func (c *Connection) AddSession(client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[client.SessionID()] = client
}

func (c *Connection) RemoveSession(sessionID target.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

func (c *Connection) ClientFor(sessionID target.SessionID) (cdp.Client, error) {
	if sessionID == "" {
		return c.browser, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	client, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cdp.ErrSessionNotFound, sessionID)
	}
	return client, nil
}

func (c *Connection) OnEvent(handler func(cdp.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Emit delivers ev to every registered handler on the calling goroutine.
func (c *Connection) Emit(sessionID target.SessionID, method string, params any) {
	raw, _ := json.Marshal(params)
	c.mu.RLock()
	handlers := append(([]func(cdp.Event))(nil), c.handlers...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(cdp.Event{SessionID: sessionID, Method: method, Params: raw})
	}
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
