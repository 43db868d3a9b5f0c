package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

// MessageTransport moves whole CDP messages. ReadMessage is only called from
// the connection reader; WriteMessage may be called concurrently.
type MessageTransport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebSocketTransport adapts a websocket connection to MessageTransport.
func NewWebSocketTransport(conn *websocket.Conn) MessageTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// DialOptions configure Dial.
type DialOptions struct {
	// Timeout bounds the whole dial, retries included. Zero means one minute.
	Timeout time.Duration

	Logger logr.Logger
}

// Dial connects to the browser's websocket debugger URL, retrying with
// exponential backoff while the browser is still coming up.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(timeout),
	)

	wsConn, err := backoff.RetryNotifyWithData(
		func() (*websocket.Conn, error) {
			c, _, dialErr := dialer.DialContext(ctx, url, nil)
			return c, dialErr
		},
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			log.V(1).Info("Browser not reachable yet, retrying", "url", url, "error", err.Error(), "next", next)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", url, err)
	}

	log.Info("Connected to browser", "url", url)
	return NewConn(NewWebSocketTransport(wsConn), log), nil
}
