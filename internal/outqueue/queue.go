// Package outqueue delivers outgoing protocol messages in submission order.
//
// Each submitted Envelope carries a payload that may still be in progress.
// The queue drains serially: envelope N is resolved and handed to the
// processor before envelope N+1 is looked at, even when N+1 resolved first.
// A slow payload therefore holds back everything queued after it; clients
// rely on events and responses arriving in the order they were produced.
package outqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/HsiangNianian/bidimapper/internal/future"
	"github.com/HsiangNianian/bidimapper/internal/protocol"
)

// DefaultResolveTimeout bounds how long the queue waits for one payload.
const DefaultResolveTimeout = 30 * time.Second

// ErrResolveTimeout is reported for payloads that did not settle in time.
var ErrResolveTimeout = errors.New("outqueue: payload did not resolve in time")

// Envelope is one pending outgoing message.
type Envelope struct {
	Payload *future.Future[protocol.OutgoingMessage]

	// Channel is merged into the outgoing message when non-empty.
	Channel string

	// CommandID is set for responses; it lets a failed payload still be
	// answered with a wire error.
	CommandID *int64
}

// Resolved wraps an already available message.
func Resolved(msg protocol.OutgoingMessage, channel string) *Envelope {
	return &Envelope{
		Payload: future.Resolved(msg),
		Channel: channel,
	}
}

// Processor hands one resolved message to the transport.
type Processor func(ctx context.Context, msg protocol.OutgoingMessage, channel string) error

type Options struct {
	// ResolveTimeout bounds the wait for each payload. Zero selects
	// DefaultResolveTimeout; a negative value waits without bound.
	ResolveTimeout time.Duration

	Logger logr.Logger
}

type Queue struct {
	in      *chanx.UnboundedChan[*Envelope]
	process Processor
	timeout time.Duration
	log     logr.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New starts the drain loop. It runs until ctx ends or Close is called.
func New(ctx context.Context, process Processor, opts Options) *Queue {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	timeout := opts.ResolveTimeout
	if timeout == 0 {
		timeout = DefaultResolveTimeout
	}

	qctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		in:      chanx.NewUnboundedChan[*Envelope](qctx, 16),
		process: process,
		timeout: timeout,
		log:     log,
		ctx:     qctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.drain()
	return q
}

// Submit fixes the envelope's delivery position. It does not block on the
// payload.
func (q *Queue) Submit(env *Envelope) {
	if env == nil || env.Payload == nil {
		q.log.Info("Ignoring empty outgoing envelope")
		return
	}
	select {
	case q.in.In <- env:
	case <-q.ctx.Done():
		q.log.V(1).Info("Outgoing queue closed, dropping envelope")
	}
}

// Len is the number of envelopes waiting behind the one being delivered.
func (q *Queue) Len() int {
	return q.in.Len()
}

// Close stops the drain loop. Envelopes not yet delivered are dropped.
func (q *Queue) Close() {
	q.closeOnce.Do(q.cancel)
	<-q.done
}

func (q *Queue) drain() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case env, ok := <-q.in.Out:
			if !ok {
				return
			}
			q.deliver(env)
		}
	}
}

func (q *Queue) deliver(env *Envelope) {
	msg, err := q.resolve(env)
	if err != nil {
		if q.ctx.Err() != nil {
			return
		}
		if env.CommandID == nil {
			q.log.Error(err, "Dropping outgoing message whose payload failed")
			return
		}
		q.log.Error(err, "Outgoing payload failed, answering with an error", "id", *env.CommandID)
		msg = protocol.AsError(err).WithID(*env.CommandID)
	}

	if err := q.process(q.ctx, msg, env.Channel); err != nil {
		q.log.Error(err, "Failed to deliver outgoing message")
	}
}

func (q *Queue) resolve(env *Envelope) (protocol.OutgoingMessage, error) {
	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(q.ctx, q.timeout)
		defer cancel()
	}

	msg, err := env.Payload.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && q.ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrResolveTimeout, q.timeout)
		}
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("outqueue: payload resolved to nil message")
	}
	return msg, nil
}
