// Package cdp multiplexes CDP sessions over a single browser connection.
//
// A Connection hands out one Client per attached session (flattened session
// addressing) plus a Client for the browser-level session. Clients share the
// connection's message id space; ids are never reused for the lifetime of the
// connection.
//
// Commands issued against targets the caller does not exclusively own may
// fail because the target went away while the command was in flight. Callers
// must consult IsCloseError before treating such a failure as fatal.
package cdp

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto/target"
)

// Client sends commands within one CDP session.
type Client interface {
	// SendCommand issues method with params and decodes the command result
	// into result when it is non-nil.
	SendCommand(ctx context.Context, method string, params, result any) error

	// SessionID is empty for the browser-level session.
	SessionID() target.SessionID

	// IsCloseError reports whether err means the session or its target
	// disappeared while the command was in flight.
	IsCloseError(err error) bool
}

// Connection maps session ids to clients.
type Connection interface {
	BrowserClient() Client

	// ClientFor returns the client bound to sessionID, or ErrSessionNotFound.
	ClientFor(sessionID target.SessionID) (Client, error)

	// OnEvent registers a handler for every CDP event, in wire order.
	// Handlers run on the connection reader and must not wait on CDP
	// command results.
	OnEvent(handler func(Event))

	Close() error
}

// Event is one CDP event together with the session it was raised on.
type Event struct {
	SessionID target.SessionID
	Method    string
	Params    json.RawMessage
}

// Target is an attached CDP target and the client of its session.
type Target struct {
	ID              target.ID
	SessionID       target.SessionID
	ParentSessionID target.SessionID
	Type            string
	URL             string
	Client          Client
}
