// Package processor turns client commands into CDP work and CDP events into
// client events.
//
// Every accepted command is answered through exactly one envelope, published
// to the response handlers before the command starts running. Events are
// published as they happen, filtered by the client's subscriptions.
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/go-logr/logr"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
	"github.com/HsiangNianian/bidimapper/internal/contexts"
	"github.com/HsiangNianian/bidimapper/internal/future"
	"github.com/HsiangNianian/bidimapper/internal/outqueue"
	"github.com/HsiangNianian/bidimapper/internal/preload"
	"github.com/HsiangNianian/bidimapper/internal/protocol"
	"github.com/HsiangNianian/bidimapper/internal/store"
)

// DefaultCommandTTL is how long used command ids are remembered.
const DefaultCommandTTL = time.Hour

type Options struct {
	Connection cdp.Connection
	Contexts   *contexts.Storage
	Scripts    *preload.Registry
	Store      store.Store
	Logger     logr.Logger

	// CommandTTL bounds how long command ids and statuses are kept.
	CommandTTL time.Duration
}

type Processor struct {
	conn       cdp.Connection
	contexts   *contexts.Storage
	scripts    *preload.Registry
	store      store.Store
	log        logr.Logger
	commandTTL time.Duration
	subs       *subscriptions

	lifetimeCtx context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once

	mu               sync.RWMutex
	responseHandlers []func(*outqueue.Envelope)
	eventHandlers    []func(*outqueue.Envelope)
	targets          map[target.SessionID]*cdp.Target
	listeners        map[listenerKey]context.CancelFunc
}

type listenerKey struct {
	target target.ID
	script string
}

// New creates a processor and subscribes it to the connection's events. It
// must be created before the browser starts attaching targets.
func New(ctx context.Context, opts Options) *Processor {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	storage := opts.Contexts
	if storage == nil {
		storage = contexts.NewStorage()
	}
	scripts := opts.Scripts
	if scripts == nil {
		scripts = preload.NewRegistry(log.WithName("preload"))
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	ttl := opts.CommandTTL
	if ttl <= 0 {
		ttl = DefaultCommandTTL
	}

	lifetimeCtx, cancel := context.WithCancel(ctx)
	p := &Processor{
		conn:        opts.Connection,
		contexts:    storage,
		scripts:     scripts,
		store:       st,
		log:         log,
		commandTTL:  ttl,
		subs:        newSubscriptions(),
		lifetimeCtx: lifetimeCtx,
		cancel:      cancel,
		targets:     make(map[target.SessionID]*cdp.Target),
		listeners:   make(map[listenerKey]context.CancelFunc),
	}
	p.conn.OnEvent(p.handleCDPEvent)
	return p
}

func (p *Processor) OnResponse(handler func(*outqueue.Envelope)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responseHandlers = append(p.responseHandlers, handler)
}

func (p *Processor) OnEvent(handler func(*outqueue.Envelope)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eventHandlers = append(p.eventHandlers, handler)
}

// Contexts exposes the browsing-context storage the processor maintains.
func (p *Processor) Contexts() *contexts.Storage {
	return p.contexts
}

// Close stops background work started for targets. Commands already
// running are left to finish on their own.
func (p *Processor) Close() {
	p.closeOnce.Do(p.cancel)
}

// ProcessCommand parses raw and starts running it. It returns once the
// command's response envelope has been published.
func (p *Processor) ProcessCommand(ctx context.Context, raw []byte) {
	cmd, wireErr := protocol.ParseCommand(raw)
	if wireErr != nil {
		p.log.V(1).Info("Rejecting malformed command", "error", wireErr.Message)
		p.publishResponse(&outqueue.Envelope{Payload: future.Resolved[protocol.OutgoingMessage](wireErr), CommandID: wireErr.ID})
		return
	}

	id := cmd.ID
	env := &outqueue.Envelope{Channel: cmd.Channel, CommandID: &id}

	fresh, err := p.store.MarkProcessed(ctx, cmd.ID, p.commandTTL)
	switch {
	case err != nil:
		p.log.Error(err, "Failed to record command id", "id", cmd.ID)
		env.Payload = future.Resolved[protocol.OutgoingMessage](protocol.NewError(protocol.ErrorCodeUnknownError, "%s", err.Error()).WithID(cmd.ID))
		p.publishResponse(env)
		return
	case !fresh:
		env.Payload = future.Resolved[protocol.OutgoingMessage](p.duplicateError(ctx, cmd.ID))
		p.publishResponse(env)
		return
	}

	p.setStatus(ctx, cmd.ID, store.StatusPending)
	payload := future.New[protocol.OutgoingMessage]()
	env.Payload = payload
	p.publishResponse(env)

	go func() {
		p.log.V(1).Info("Processing command", "id", cmd.ID, "method", cmd.Method)
		result, err := p.runCommand(ctx, cmd)
		if err != nil {
			wireErr := toWireError(err).WithID(cmd.ID)
			p.log.V(1).Info("Command failed", "id", cmd.ID, "method", cmd.Method, "error", wireErr.Message)
			p.setStatus(ctx, cmd.ID, store.StatusFailed)
			payload.Resolve(wireErr)
			return
		}
		p.setStatus(ctx, cmd.ID, store.StatusOK)
		payload.Resolve(&protocol.CommandResponse{ID: cmd.ID, Result: result})
	}()
}

// duplicateError answers a reused command id, naming the status of the
// command that first used it when the store still has one.
func (p *Processor) duplicateError(ctx context.Context, id int64) *protocol.Error {
	status, err := p.store.GetCommandStatus(ctx, id)
	if err != nil {
		p.log.Error(err, "Failed to read command status", "id", id)
	}
	if status == "" {
		return protocol.NewError(protocol.ErrorCodeInvalidArgument, "Command id %d was already used", id).WithID(id)
	}
	return protocol.NewError(protocol.ErrorCodeInvalidArgument, "Command id %d was already used (%s)", id, status).WithID(id)
}

func (p *Processor) setStatus(ctx context.Context, id int64, status string) {
	if err := p.store.SetCommandStatus(ctx, id, status, p.commandTTL); err != nil {
		p.log.Error(err, "Failed to record command status", "id", id, "status", status)
	}
}

func (p *Processor) publishResponse(env *outqueue.Envelope) {
	p.mu.RLock()
	handlers := append(([]func(*outqueue.Envelope))(nil), p.responseHandlers...)
	p.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

// emitEvent publishes an event when the client subscribed to it for the
// given top-level context (or globally).
func (p *Processor) emitEvent(method string, params any, contextID string) {
	if !p.subs.IsSubscribed(method, contextID) {
		return
	}
	env := outqueue.Resolved(&protocol.Event{Method: method, Params: params}, "")
	p.mu.RLock()
	handlers := append(([]func(*outqueue.Envelope))(nil), p.eventHandlers...)
	p.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

// toWireError maps package errors to client-visible error codes.
func toWireError(err error) *protocol.Error {
	var wireErr *protocol.Error
	switch {
	case errors.As(err, &wireErr):
		cp := *wireErr
		return &cp
	case errors.Is(err, preload.ErrSandboxUnsupported):
		return protocol.NewError(protocol.ErrorCodeUnsupportedOperation, "%s", err.Error())
	case errors.Is(err, preload.ErrInvalidArgument):
		return protocol.NewError(protocol.ErrorCodeInvalidArgument, "%s", err.Error())
	case errors.Is(err, preload.ErrScriptNotFound), errors.Is(err, preload.ErrScriptRemoved):
		return protocol.NewError(protocol.ErrorCodeNoSuchScript, "%s", err.Error())
	case errors.Is(err, contexts.ErrNoSuchContext):
		return protocol.NewError(protocol.ErrorCodeNoSuchFrame, "%s", err.Error())
	default:
		return protocol.AsError(err)
	}
}
