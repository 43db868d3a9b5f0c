package processor

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-logr/logr"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
	"github.com/HsiangNianian/bidimapper/internal/contexts"
	"github.com/HsiangNianian/bidimapper/internal/preload"
	"github.com/HsiangNianian/bidimapper/internal/protocol"
)

const (
	targetTypePage   = "page"
	targetTypeIframe = "iframe"
)

type detachedFromTarget struct {
	SessionID target.SessionID `json:"sessionId"`
}

func injectable(t *cdp.Target) bool {
	return t.Type == targetTypePage || t.Type == targetTypeIframe
}

// handleCDPEvent runs on the connection reader. Anything that waits on CDP
// results is moved to its own goroutine.
func (p *Processor) handleCDPEvent(ev cdp.Event) {
	switch ev.Method {
	case string(cdproto.EventTargetAttachedToTarget):
		var attached target.EventAttachedToTarget
		if err := json.Unmarshal(ev.Params, &attached); err != nil {
			p.log.Error(err, "Malformed attachedToTarget event")
			return
		}
		p.targetAttached(ev.SessionID, &attached)

	case string(cdproto.EventTargetDetachedFromTarget):
		var detached detachedFromTarget
		if err := json.Unmarshal(ev.Params, &detached); err != nil {
			p.log.Error(err, "Malformed detachedFromTarget event")
			return
		}
		p.targetDetached(detached.SessionID)

	case string(cdproto.EventTargetTargetInfoChanged):
		var changed target.EventTargetInfoChanged
		if err := json.Unmarshal(ev.Params, &changed); err != nil {
			p.log.Error(err, "Malformed targetInfoChanged event")
			return
		}
		if changed.TargetInfo == nil {
			return
		}
		if c, ok := p.contexts.FindByTarget(string(changed.TargetInfo.TargetID)); ok {
			c.SetURL(changed.TargetInfo.URL)
		}
	}
}

func (p *Processor) targetAttached(parent target.SessionID, attached *target.EventAttachedToTarget) {
	info := attached.TargetInfo
	if info == nil {
		p.log.Info("attachedToTarget without target info", "session", attached.SessionID)
		return
	}

	client, err := p.conn.ClientFor(attached.SessionID)
	if err != nil {
		p.log.Error(err, "No client for attached session", "session", attached.SessionID, "target", info.TargetID)
		return
	}
	t := &cdp.Target{
		ID:              info.TargetID,
		SessionID:       attached.SessionID,
		ParentSessionID: parent,
		Type:            info.Type,
		URL:             info.URL,
		Client:          client,
	}

	p.mu.Lock()
	p.targets[t.SessionID] = t
	topLevel := p.topLevelContextOf(t)
	p.mu.Unlock()

	var bc *contexts.Context
	if t.Type == targetTypePage && parent == "" {
		bc = contexts.NewContext(string(t.ID), "", t)
		p.contexts.Add(bc)
	}

	p.log.V(1).Info("Target attached", "target", t.ID, "type", t.Type, "session", t.SessionID, "waiting", attached.WaitingForDebugger)
	go p.setUpTarget(t, topLevel, bc)
}

// setUpTarget prepares a freshly attached, paused target and resumes it.
func (p *Processor) setUpTarget(t *cdp.Target, topLevel string, bc *contexts.Context) {
	ctx := p.lifetimeCtx

	if injectable(t) {
		if err := t.Client.SendCommand(ctx, target.CommandSetAutoAttach, target.SetAutoAttach(true, true).WithFlatten(true), nil); err != nil {
			p.logTargetError(t, err, "Failed to enable auto-attach in target")
		}

		for _, script := range p.scripts.Find(func(s *preload.Script) bool { return s.AppliesTo(topLevel) }) {
			if err := p.scripts.Activate(ctx, script, []*cdp.Target{t}); err != nil {
				p.logTargetError(t, err, "Failed to add preload script to target", "script", script.ID())
			}
		}
	}
	bound := p.scripts.ScriptsForTarget(t.ID)

	if err := t.Client.SendCommand(ctx, runtime.CommandRunIfWaitingForDebugger, runtime.RunIfWaitingForDebugger(), nil); err != nil {
		p.logTargetError(t, err, "Failed to resume target")
	}

	for _, script := range bound {
		if err := p.scripts.EvaluateNow(ctx, script, t); err != nil {
			p.log.V(1).Info("Skipping preload script evaluation", "script", script.ID(), "reason", err.Error())
			continue
		}
		p.startListeners(script, t)
	}

	if bc == nil {
		return
	}
	bc.MarkLoaded()
	p.emitEvent(protocol.EventBrowsingContextCreated, protocol.BrowsingContextInfo{
		Context:  bc.ID(),
		URL:      bc.URL(),
		Children: []protocol.BrowsingContextInfo{},
	}, bc.ID())
}

func (p *Processor) targetDetached(sessionID target.SessionID) {
	p.mu.Lock()
	t, ok := p.targets[sessionID]
	if ok {
		delete(p.targets, sessionID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.log.V(1).Info("Target detached", "target", t.ID, "session", sessionID)
	p.scripts.TargetRemoved(t.ID)
	p.stopListeners(func(k listenerKey) bool { return k.target == t.ID })

	for _, c := range p.contexts.Delete(string(t.ID)) {
		info := protocol.BrowsingContextInfo{Context: c.ID(), URL: c.URL()}
		if c.ParentID() != "" {
			parent := c.ParentID()
			info.Parent = &parent
		}
		p.emitEvent(protocol.EventBrowsingContextDestroyed, info, string(t.ID))
	}
}

// topLevelContextOf walks up the session tree. The caller holds p.mu.
func (p *Processor) topLevelContextOf(t *cdp.Target) string {
	for t.ParentSessionID != "" {
		parent, ok := p.targets[t.ParentSessionID]
		if !ok {
			return ""
		}
		t = parent
	}
	return string(t.ID)
}

func (p *Processor) startListeners(script *preload.Script, t *cdp.Target) {
	if len(script.Channels()) == 0 {
		return
	}
	key := listenerKey{target: t.ID, script: script.ID()}

	p.mu.Lock()
	if _, running := p.listeners[key]; running {
		p.mu.Unlock()
		return
	}
	if _, attached := p.targets[t.SessionID]; !attached {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.lifetimeCtx)
	p.listeners[key] = cancel
	topLevel := p.topLevelContextOf(t)
	p.mu.Unlock()

	source := protocol.MessageSource{Context: topLevel}
	for _, ch := range script.Channels() {
		ch := ch
		go func() {
			log := p.log.WithValues("script", script.ID(), "target", t.ID)
			err := ch.Listen(logr.NewContext(ctx, log), t.Client, source, func(ev *protocol.Event) {
				p.emitEvent(ev.Method, ev.Params, topLevel)
			})
			if err != nil {
				log.Error(err, "Channel listener gave up", "channel", ch.Channel())
			}
		}()
	}
}

func (p *Processor) stopListeners(match func(listenerKey) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cancel := range p.listeners {
		if match(key) {
			cancel()
			delete(p.listeners, key)
		}
	}
}

func (p *Processor) logTargetError(t *cdp.Target, err error, msg string, keysAndValues ...any) {
	keysAndValues = append(keysAndValues, "target", t.ID)
	if t.Client.IsCloseError(err) {
		p.log.V(1).Info(msg, append(keysAndValues, "error", err.Error())...)
		return
	}
	p.log.Error(err, msg, keysAndValues...)
}
