package processor

import (
	"context"
	"errors"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
	"github.com/HsiangNianian/bidimapper/internal/preload"
	"github.com/HsiangNianian/bidimapper/internal/protocol"
)

func (p *Processor) runCommand(ctx context.Context, cmd protocol.Command) (any, error) {
	switch cmd.Method {
	case protocol.MethodSessionStatus:
		return protocol.StatusResult{Ready: false, Message: "already connected"}, nil
	case protocol.MethodSessionSubscribe:
		return p.subscribe(cmd)
	case protocol.MethodSessionUnsubscribe:
		return p.unsubscribe(cmd)
	case protocol.MethodScriptAddPreloadScript:
		return p.addPreloadScript(ctx, cmd)
	case protocol.MethodScriptRemovePreloadScript:
		return p.removePreloadScript(ctx, cmd)
	case protocol.MethodBrowsingContextGetTree:
		return p.getTree(cmd)
	default:
		return nil, protocol.NewError(protocol.ErrorCodeUnknownCommand, "Unknown command '%s'.", cmd.Method)
	}
}

func (p *Processor) subscribe(cmd protocol.Command) (any, error) {
	var params protocol.SubscriptionRequest
	if wireErr := cmd.DecodeParams(&params); wireErr != nil {
		return nil, wireErr
	}
	contextIDs, err := p.topLevelIDs(params.Contexts)
	if err != nil {
		return nil, err
	}
	if err := p.subs.Subscribe(params.Events, contextIDs); err != nil {
		return nil, err
	}
	return protocol.EmptyResult{}, nil
}

func (p *Processor) unsubscribe(cmd protocol.Command) (any, error) {
	var params protocol.SubscriptionRequest
	if wireErr := cmd.DecodeParams(&params); wireErr != nil {
		return nil, wireErr
	}
	contextIDs, err := p.topLevelIDs(params.Contexts)
	if err != nil {
		return nil, err
	}
	if err := p.subs.Unsubscribe(params.Events, contextIDs); err != nil {
		return nil, err
	}
	return protocol.EmptyResult{}, nil
}

// topLevelIDs resolves every requested context to its top-level ancestor.
func (p *Processor) topLevelIDs(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		c, err := p.contexts.TopLevelOf(id)
		if err != nil {
			return nil, err
		}
		out = append(out, c.ID())
	}
	return out, nil
}

func (p *Processor) addPreloadScript(ctx context.Context, cmd protocol.Command) (any, error) {
	var params protocol.AddPreloadScriptParameters
	if wireErr := cmd.DecodeParams(&params); wireErr != nil {
		return nil, wireErr
	}

	script, err := preload.New(params)
	if err != nil {
		return nil, err
	}
	if script.ContextID() != "" {
		c, err := p.contexts.Get(script.ContextID())
		if err != nil {
			return nil, err
		}
		if !c.IsTopLevel() {
			return nil, protocol.NewError(protocol.ErrorCodeInvalidArgument, "Context %s is not a top-level context", c.ID())
		}
	}

	p.scripts.Add(script)
	targets := p.targetsFor(script)
	if err := p.scripts.Activate(ctx, script, targets); err != nil {
		if deactivateErr := p.scripts.Deactivate(ctx, script); deactivateErr != nil {
			p.log.Error(deactivateErr, "Failed to roll back preload script", "script", script.ID())
		}
		return nil, err
	}
	for _, t := range targets {
		p.startListeners(script, t)
	}

	p.log.V(1).Info("Preload script added", "script", script.ID(), "targets", len(targets))
	return protocol.AddPreloadScriptResult{Script: script.ID()}, nil
}

func (p *Processor) removePreloadScript(ctx context.Context, cmd protocol.Command) (any, error) {
	var params protocol.RemovePreloadScriptParameters
	if wireErr := cmd.DecodeParams(&params); wireErr != nil {
		return nil, wireErr
	}

	script, err := p.scripts.Get(params.Script)
	if err != nil {
		return nil, err
	}
	p.stopListeners(func(k listenerKey) bool { return k.script == script.ID() })

	if err := p.scripts.Deactivate(ctx, script); err != nil {
		if errors.Is(err, preload.ErrScriptRemoved) {
			return nil, err
		}
		// The script is gone from the client's point of view either way.
		p.log.Error(err, "Preload script removed with errors", "script", script.ID())
	}
	return protocol.EmptyResult{}, nil
}

func (p *Processor) getTree(cmd protocol.Command) (any, error) {
	var params protocol.GetTreeParameters
	if wireErr := cmd.DecodeParams(&params); wireErr != nil {
		return nil, wireErr
	}
	if params.MaxDepth != nil && *params.MaxDepth < 0 {
		return nil, protocol.NewError(protocol.ErrorCodeInvalidArgument, "maxDepth must not be negative")
	}

	var root string
	switch {
	case params.Root != nil:
		root = *params.Root
	case params.Parent != nil:
		root = *params.Parent
	}

	infos, err := p.contexts.Tree(params.MaxDepth, root)
	if err != nil {
		return nil, err
	}
	return protocol.GetTreeResult{Contexts: infos}, nil
}

// targetsFor returns the attached targets a script applies to.
func (p *Processor) targetsFor(script *preload.Script) []*cdp.Target {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*cdp.Target
	for _, t := range p.targets {
		if !injectable(t) {
			continue
		}
		if script.AppliesTo(p.topLevelContextOf(t)) {
			out = append(out, t)
		}
	}
	return out
}
