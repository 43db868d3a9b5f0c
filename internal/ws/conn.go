package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/smallnest/chanx"
)

const (
	closeGracePeriod = time.Second
	incomingCapacity = 16
)

var ErrClosed = errors.New("ws: connection closed")

// Conn is a client websocket carrying BiDi messages. Messages are read as
// soon as the connection opens and held until a receiver is registered.
type Conn struct {
	ws  *websocket.Conn
	log logr.Logger

	writeMu sync.Mutex

	incoming   *chanx.UnboundedChan[[]byte]
	handlerSet chan struct{}
	setOnce    sync.Once
	handler    func([]byte)

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(wsConn *websocket.Conn, log logr.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:         wsConn,
		log:        log,
		incoming:   chanx.NewUnboundedChan[[]byte](ctx, incomingCapacity),
		handlerSet: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go c.readLoop()
	go c.deliverLoop()
	return c
}

func (c *Conn) SetOnMessage(handler func([]byte)) {
	c.setOnce.Do(func() {
		c.handler = handler
		close(c.handlerSet)
	})
}

func (c *Conn) SendMessage(ctx context.Context, payload []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Done is closed once the peer is gone or Close was called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("Client connection lost", "error", err.Error())
			}
			c.cancel()
			return
		}
		if typ != websocket.TextMessage {
			c.log.V(1).Info("Ignoring non-text client message", "type", typ)
			continue
		}
		select {
		case c.incoming.In <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) deliverLoop() {
	select {
	case <-c.handlerSet:
	case <-c.ctx.Done():
		return
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.incoming.Out:
			if !ok {
				return
			}
			c.handler(data)
		}
	}
}

