// Package bridge wires a client transport, a command dispatcher and the
// browser connection together.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
	"github.com/HsiangNianian/bidimapper/internal/contexts"
	"github.com/HsiangNianian/bidimapper/internal/outqueue"
	"github.com/HsiangNianian/bidimapper/internal/protocol"
)

const incomingInitialCapacity = 16

var ErrMissingOption = errors.New("bridge: missing required option")

// Transport moves raw client messages.
type Transport interface {
	// SetOnMessage registers the receiver of incoming messages. It is called
	// once, after the server is ready.
	SetOnMessage(handler func([]byte))
	SendMessage(ctx context.Context, payload []byte) error
	Close() error
}

// Dispatcher runs client commands. ProcessCommand must not wait for the
// command to finish.
type Dispatcher interface {
	ProcessCommand(ctx context.Context, raw []byte)
	OnResponse(handler func(*outqueue.Envelope))
	OnEvent(handler func(*outqueue.Envelope))
}

type Options struct {
	Transport  Transport
	Connection cdp.Connection
	Dispatcher Dispatcher
	// Contexts holds the browsing contexts the dispatcher discovers; startup
	// waits for the top-level ones to load.
	Contexts *contexts.Storage
	Logger   logr.Logger

	// ResolveTimeout is passed to the outgoing queue.
	ResolveTimeout time.Duration
}

type Server struct {
	transport  Transport
	dispatcher Dispatcher
	queue      *outqueue.Queue
	incoming   *chanx.UnboundedChan[[]byte]
	log        logr.Logger

	lifetimeCtx context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
	pumpDone    chan struct{}
}

// CreateAndStart enables target discovery and auto-attach on the browser,
// waits for the known top-level contexts to load and only then starts
// accepting client messages. Startup failures are returned and leave the
// transport untouched.
func CreateAndStart(ctx context.Context, opts Options) (*Server, error) {
	if opts.Transport == nil || opts.Connection == nil || opts.Dispatcher == nil || opts.Contexts == nil {
		return nil, ErrMissingOption
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	lifetimeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Server{
		transport:   opts.Transport,
		dispatcher:  opts.Dispatcher,
		log:         log,
		lifetimeCtx: lifetimeCtx,
		cancel:      cancel,
		pumpDone:    make(chan struct{}),
	}
	s.queue = outqueue.New(lifetimeCtx, s.send, outqueue.Options{
		ResolveTimeout: opts.ResolveTimeout,
		Logger:         log.WithName("outqueue"),
	})
	s.dispatcher.OnResponse(s.queue.Submit)
	s.dispatcher.OnEvent(s.queue.Submit)

	if err := s.start(ctx, opts.Connection.BrowserClient(), opts.Contexts); err != nil {
		cancel()
		s.queue.Close()
		return nil, err
	}

	s.incoming = chanx.NewUnboundedChan[[]byte](lifetimeCtx, incomingInitialCapacity)
	go s.pump()
	s.transport.SetOnMessage(s.receive)
	log.Info("Bridge ready")
	return s, nil
}

func (s *Server) start(ctx context.Context, browser cdp.Client, storage *contexts.Storage) error {
	if err := browser.SendCommand(ctx, target.CommandSetDiscoverTargets, target.SetDiscoverTargets(true), nil); err != nil {
		return fmt.Errorf("enable target discovery: %w", err)
	}
	autoAttach := target.SetAutoAttach(true, true).WithFlatten(true)
	if err := browser.SendCommand(ctx, target.CommandSetAutoAttach, autoAttach, nil); err != nil {
		return fmt.Errorf("enable auto-attach: %w", err)
	}

	top := storage.TopLevelContexts()
	s.log.V(1).Info("Waiting for top-level contexts", "count", len(top))
	for _, c := range top {
		if err := c.AwaitLoaded(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) receive(raw []byte) {
	select {
	case s.incoming.In <- raw:
	case <-s.lifetimeCtx.Done():
	}
}

// pump starts dispatches in arrival order.
func (s *Server) pump() {
	defer close(s.pumpDone)
	for {
		select {
		case <-s.lifetimeCtx.Done():
			return
		case raw, ok := <-s.incoming.Out:
			if !ok {
				return
			}
			s.dispatcher.ProcessCommand(s.lifetimeCtx, raw)
		}
	}
}

func (s *Server) send(ctx context.Context, msg protocol.OutgoingMessage, channel string) error {
	payload, err := protocol.Encode(msg, channel)
	if err != nil {
		return err
	}
	return s.transport.SendMessage(ctx, payload)
}

// Close closes the transport and stops delivering messages. Commands still
// running are abandoned.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.pumpDone
		s.queue.Close()
		err = s.transport.Close()
		s.log.Info("Bridge closed")
	})
	return err
}
