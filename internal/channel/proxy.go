// Package channel lets injected scripts send values back to the client.
//
// A Proxy renders an expression that, evaluated in a page, installs a message
// queue under window[<proxy id>] and yields the function scripts call to
// enqueue a value. Listen drains that queue over CDP and turns every value
// into a script.message event tagged with the proxy's channel.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
	"github.com/HsiangNianian/bidimapper/internal/protocol"
)

const (
	listenInitialInterval = 50 * time.Millisecond
	listenMaxInterval     = 2 * time.Second
	listenMaxElapsedTime  = 30 * time.Second
)

type Proxy struct {
	id    string
	props protocol.ChannelProperties
}

func NewProxy(value protocol.ChannelValue) *Proxy {
	return &Proxy{
		id:    uuid.NewString(),
		props: value.Value,
	}
}

// ID names the window property holding the proxy's queue.
func (p *Proxy) ID() string {
	return p.id
}

// Channel is the client-chosen channel name.
func (p *Proxy) Channel() string {
	return p.props.Channel
}

func (p *Proxy) Properties() protocol.ChannelProperties {
	return p.props
}

// EvalInWindowString returns an expression evaluating to the send function.
// Evaluating it more than once in the same window reuses the first queue.
func (p *Proxy) EvalInWindowString() string {
	return fmt.Sprintf(`(()=>{const id=%s;if(!window[id]){const queue=[];let wake=null;`+
		`window[id]={sendMessage:(message)=>{queue.push(message);if(wake!==null){wake();wake=null;}},`+
		`getMessage:async()=>{if(queue.length===0){await new Promise((resolve)=>{wake=resolve;});}return queue.shift();}};}`+
		`return window[id].sendMessage;})()`, strconv.Quote(p.id))
}

// getMessageExpression installs the queue when the page has not run the
// script yet, so a listener may start before the first document does.
func (p *Proxy) getMessageExpression() string {
	return fmt.Sprintf("(%s, window[%s].getMessage())", p.EvalInWindowString(), strconv.Quote(p.id))
}

// Listen forwards queued messages through emit until ctx ends or the session
// goes away. Other failures, including the page navigating away, are retried
// with exponential backoff; the last failure is returned once retrying gives
// up.
func (p *Proxy) Listen(ctx context.Context, client cdp.Client, source protocol.MessageSource, emit func(*protocol.Event)) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("channel", p.props.Channel, "context", source.Context)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = listenInitialInterval
	policy.MaxInterval = listenMaxInterval
	policy.MaxElapsedTime = listenMaxElapsedTime
	b := backoff.WithContext(policy, ctx)

	for {
		data, err := backoff.RetryNotifyWithData(func() (protocol.RemoteValue, error) {
			rv, err := p.nextMessage(ctx, client)
			if err != nil && (ctx.Err() != nil || cdp.IsSessionGone(err)) {
				return rv, backoff.Permanent(err)
			}
			return rv, err
		}, b, func(err error, wait time.Duration) {
			log.V(1).Info("Reading channel message failed, retrying", "error", err.Error(), "wait", wait)
		})
		if err != nil {
			if ctx.Err() != nil || cdp.IsSessionGone(err) {
				log.V(1).Info("Channel listener stopped")
				return nil
			}
			return fmt.Errorf("channel %q: %w", p.props.Channel, err)
		}
		b.Reset()

		emit(&protocol.Event{
			Method: protocol.EventScriptMessage,
			Params: protocol.MessageParameters{
				Channel: p.props.Channel,
				Data:    data,
				Source:  source,
			},
		})
	}
}

func (p *Proxy) nextMessage(ctx context.Context, client cdp.Client) (protocol.RemoteValue, error) {
	params := runtime.Evaluate(p.getMessageExpression()).
		WithAwaitPromise(true).
		WithReturnByValue(true)

	var res runtime.EvaluateReturns
	if err := client.SendCommand(ctx, runtime.CommandEvaluate, params, &res); err != nil {
		return protocol.RemoteValue{}, err
	}
	if res.ExceptionDetails != nil {
		return protocol.RemoteValue{}, res.ExceptionDetails
	}
	if res.Result == nil || res.Result.Type == runtime.TypeUndefined {
		return protocol.UndefinedValue(), nil
	}
	return protocol.RemoteValueFromJSON(json.RawMessage(res.Result.Value))
}
