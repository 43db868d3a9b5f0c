package preload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/dop251/goja"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
	"github.com/HsiangNianian/bidimapper/internal/cdp/cdptest"
	"github.com/HsiangNianian/bidimapper/internal/protocol"
)

// browserTarget answers addScriptToEvaluateOnNewDocument with sequential
// identifiers and delegates everything else to other.
func browserTarget(id string, other cdptest.Handler) (*cdp.Target, *cdptest.Client) {
	var seq atomic.Int64
	client := cdptest.NewClient(target.SessionID("session-"+id), func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		if method == page.CommandAddScriptToEvaluateOnNewDocument {
			n := seq.Add(1)
			return page.AddScriptToEvaluateOnNewDocumentReturns{
				Identifier: page.ScriptIdentifier(fmt.Sprintf("%s-%d", id, n)),
			}, nil
		}
		if other != nil {
			return other(ctx, method, params)
		}
		return nil, nil
	})
	return &cdp.Target{ID: target.ID(id), SessionID: client.SessionID(), Type: "page", Client: client}, client
}

func mustNew(t *testing.T, params protocol.AddPreloadScriptParameters) *Script {
	t.Helper()
	s, err := New(params)
	require.NoError(t, err)
	return s
}

func channelArg(name string) protocol.ChannelValue {
	return protocol.ChannelValue{
		Type:  protocol.ValueTypeChannel,
		Value: protocol.ChannelProperties{Channel: name},
	}
}

func TestNewRejectsSandboxWithoutNativeCalls(t *testing.T) {
	t.Parallel()

	tgt, client := browserTarget("T1", nil)
	sandbox := "isolated"

	s, err := New(protocol.AddPreloadScriptParameters{
		FunctionDeclaration: "() => {}",
		Sandbox:             &sandbox,
	})
	require.ErrorIs(t, err, ErrSandboxUnsupported)
	assert.Nil(t, s)

	// Nothing reached the target.
	assert.NotNil(t, tgt)
	assert.Empty(t, client.Calls())
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params protocol.AddPreloadScriptParameters
	}{
		{
			name:   "empty function",
			params: protocol.AddPreloadScriptParameters{FunctionDeclaration: "  "},
		},
		{
			name: "non channel argument",
			params: protocol.AddPreloadScriptParameters{
				FunctionDeclaration: "(x) => x",
				Arguments:           []protocol.ChannelValue{{Type: protocol.ValueTypeString}},
			},
		},
		{
			name: "empty channel",
			params: protocol.AddPreloadScriptParameters{
				FunctionDeclaration: "(x) => x",
				Arguments:           []protocol.ChannelValue{channelArg("")},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.params)
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestNewBuildsChannelsInOrder(t *testing.T) {
	t.Parallel()

	contextID := "ctx-1"
	s := mustNew(t, protocol.AddPreloadScriptParameters{
		FunctionDeclaration: "(a, b) => {}",
		Arguments:           []protocol.ChannelValue{channelArg("first"), channelArg("second")},
		Context:             &contextID,
	})

	require.Len(t, s.Channels(), 2)
	assert.Equal(t, "first", s.Channels()[0].Channel())
	assert.Equal(t, "second", s.Channels()[1].Channel())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "ctx-1", s.ContextID())
	assert.True(t, s.AppliesTo("ctx-1"))
	assert.False(t, s.AppliesTo("ctx-2"))
	assert.Equal(t, StateCreated, s.State())

	other := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	assert.NotEqual(t, s.ID(), other.ID())
	assert.True(t, other.AppliesTo("anything"))
}

func TestEvaluateStringShape(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "(()=>{((x)=>x+1)(...[CH1, CH2])})()", evaluateString("(x)=>x+1", []string{"CH1", "CH2"}))
	assert.Equal(t, "(()=>{(() => {})(...[])})()", evaluateString("() => {}", nil))
}

func TestEvaluateStringRunsWithChannels(t *testing.T) {
	t.Parallel()

	s := mustNew(t, protocol.AddPreloadScriptParameters{
		FunctionDeclaration: "(first, second) => { first('a'); second('b'); first('c'); globalThis.ran = true; }",
		Arguments:           []protocol.ChannelValue{channelArg("one"), channelArg("two")},
	})

	vm := goja.New()
	require.NoError(t, vm.Set("window", vm.NewObject()))
	_, err := vm.RunString(s.EvaluateString())
	require.NoError(t, err)
	assert.Equal(t, true, vm.Get("ran").Export())

	drain := func(id string) []any {
		_, err := vm.RunString(`var out = []; var q = window["` + id + `"];
			q.getMessage().then((m) => out.push(m));`)
		require.NoError(t, err)
		return vm.Get("out").Export().([]any)
	}
	assert.Equal(t, []any{"a"}, drain(s.Channels()[0].ID()))
	assert.Equal(t, []any{"b"}, drain(s.Channels()[1].ID()))
	assert.Equal(t, []any{"c"}, drain(s.Channels()[0].ID()))
}

func TestActivateAndTargetRemoved(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	reg.Add(s)

	t1, c1 := browserTarget("T1", nil)
	t2, _ := browserTarget("T2", nil)
	t3, _ := browserTarget("T3", nil)

	require.NoError(t, reg.Activate(context.Background(), s, []*cdp.Target{t1, t2, t3}))
	assert.Equal(t, []target.ID{"T1", "T2", "T3"}, s.TargetIDs())
	assert.Len(t, s.Bindings(), 3)
	assert.Equal(t, StateActive, s.State())

	calls := c1.CallsTo(page.CommandAddScriptToEvaluateOnNewDocument)
	require.Len(t, calls, 1)
	var params page.AddScriptToEvaluateOnNewDocumentParams
	require.NoError(t, json.Unmarshal(calls[0].Params, &params))
	assert.Equal(t, s.EvaluateString(), params.Source)

	reg.TargetRemoved("T2")
	assert.Equal(t, []target.ID{"T1", "T3"}, s.TargetIDs())
	assert.Len(t, s.Bindings(), 2)
	for _, b := range s.Bindings() {
		assert.NotEqual(t, target.ID("T2"), b.Target.ID)
	}

	reg.TargetRemoved("T2")
	reg.TargetRemoved("unknown")
	assert.Equal(t, []target.ID{"T1", "T3"}, s.TargetIDs())
	assert.Len(t, s.Bindings(), 2)

	assert.Empty(t, reg.ScriptsForTarget("T2"))
	assert.Equal(t, []*Script{s}, reg.ScriptsForTarget("T1"))
}

func TestScriptTargetRemovedIsIdempotent(t *testing.T) {
	t.Parallel()

	s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	t1, _ := browserTarget("T1", nil)
	require.True(t, s.bind(t1, "n1"))

	assert.True(t, s.targetRemoved("T1"))
	assert.False(t, s.targetRemoved("T1"))
	assert.Empty(t, s.TargetIDs())
	assert.Empty(t, s.Bindings())
	assert.Equal(t, StateCreated, s.State())
}

func TestActivateAggregatesFailures(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	reg.Add(s)

	good, _ := browserTarget("T1", nil)
	boom := errors.New("boom")
	bad := &cdp.Target{
		ID: "T2",
		Client: cdptest.NewClient("session-T2", func(context.Context, string, json.RawMessage) (any, error) {
			return nil, boom
		}),
	}

	err := reg.Activate(context.Background(), s, []*cdp.Target{bad, good})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []target.ID{"T1"}, s.TargetIDs())
}

func TestActivateSkipsBoundTarget(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	reg.Add(s)
	t1, c1 := browserTarget("T1", nil)

	require.NoError(t, reg.Activate(context.Background(), s, []*cdp.Target{t1}))
	require.NoError(t, reg.Activate(context.Background(), s, []*cdp.Target{t1}))
	assert.Len(t, c1.CallsTo(page.CommandAddScriptToEvaluateOnNewDocument), 1)
	assert.Len(t, s.Bindings(), 1)
}

func TestActivateDoesNotResurrectRemovedTarget(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	reg.Add(s)

	release := make(chan struct{})
	started := make(chan struct{})
	client := cdptest.NewClient("session-T1", func(_ context.Context, method string, _ json.RawMessage) (any, error) {
		if method == page.CommandAddScriptToEvaluateOnNewDocument {
			close(started)
			<-release
			return page.AddScriptToEvaluateOnNewDocumentReturns{Identifier: "late"}, nil
		}
		return nil, nil
	})
	t1 := &cdp.Target{ID: "T1", SessionID: client.SessionID(), Client: client}

	done := make(chan error, 1)
	go func() { done <- reg.Activate(context.Background(), s, []*cdp.Target{t1}) }()

	<-started
	reg.TargetRemoved("T1")
	close(release)
	require.NoError(t, <-done)

	assert.Empty(t, s.TargetIDs())
	assert.Empty(t, reg.ScriptsForTarget("T1"))
	removals := client.CallsTo(page.CommandRemoveScriptToEvaluateOnNewDocument)
	require.Len(t, removals, 1)
	assert.JSONEq(t, `{"identifier":"late"}`, string(removals[0].Params))
	assert.Empty(t, reg.gone)
}

func TestActivateAfterReattachOnNewSession(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	reg.Add(s)

	first, _ := browserTarget("F1", nil)
	require.NoError(t, reg.Activate(context.Background(), s, []*cdp.Target{first}))
	reg.TargetRemoved("F1")
	assert.Empty(t, s.TargetIDs())

	client := cdptest.NewClient("session-F1-again", func(context.Context, string, json.RawMessage) (any, error) {
		return page.AddScriptToEvaluateOnNewDocumentReturns{Identifier: "again"}, nil
	})
	again := &cdp.Target{ID: "F1", SessionID: client.SessionID(), Type: "iframe", Client: client}
	require.NoError(t, reg.Activate(context.Background(), s, []*cdp.Target{again}))

	assert.Len(t, client.CallsTo(page.CommandAddScriptToEvaluateOnNewDocument), 1)
	assert.Equal(t, []target.ID{"F1"}, s.TargetIDs())
	require.Len(t, s.Bindings(), 1)
	assert.Same(t, again, s.Bindings()[0].Target)
	assert.Equal(t, []*Script{s}, reg.ScriptsForTarget("F1"))
	assert.Empty(t, reg.gone)
	assert.Empty(t, reg.activating)
}

func TestScriptsForTargetKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	t1, _ := browserTarget("T1", nil)
	var added []*Script
	for i := 0; i < 5; i++ {
		s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
		reg.Add(s)
		require.NoError(t, reg.Activate(context.Background(), s, []*cdp.Target{t1}))
		added = append(added, s)
	}
	assert.Equal(t, added, reg.ScriptsForTarget("T1"))
}

func TestDeactivateReleasesEveryBinding(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	reg.Add(s)
	t1, c1 := browserTarget("T1", nil)
	t2, c2 := browserTarget("T2", nil)
	require.NoError(t, reg.Activate(context.Background(), s, []*cdp.Target{t1, t2}))

	require.NoError(t, reg.Deactivate(context.Background(), s))
	assert.Equal(t, StateRemoved, s.State())
	assert.Empty(t, s.Bindings())
	assert.Len(t, c1.CallsTo(page.CommandRemoveScriptToEvaluateOnNewDocument), 1)
	assert.Len(t, c2.CallsTo(page.CommandRemoveScriptToEvaluateOnNewDocument), 1)

	_, err := reg.Get(s.ID())
	require.ErrorIs(t, err, ErrScriptNotFound)
	assert.Empty(t, reg.ScriptsForTarget("T1"))

	require.ErrorIs(t, reg.Deactivate(context.Background(), s), ErrScriptRemoved)
	require.ErrorIs(t, reg.Activate(context.Background(), s, []*cdp.Target{t1}), ErrScriptRemoved)
	require.ErrorIs(t, reg.EvaluateNow(context.Background(), s, t1), ErrScriptRemoved)
}

func TestDeactivateToleratesCloseRace(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	reg.Add(s)

	gone, _ := browserTarget("T1", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, &cdp.ProtocolError{Code: -32000, Message: "Target closed"}
	})
	detached, _ := browserTarget("T2", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, cdp.ErrSessionClosed
	})
	require.NoError(t, reg.Activate(context.Background(), s, []*cdp.Target{gone, detached}))

	require.NoError(t, reg.Deactivate(context.Background(), s))
	assert.Equal(t, StateRemoved, s.State())
}

func TestDeactivateReportsGenuineFailures(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	reg.Add(s)

	boom := &cdp.ProtocolError{Code: -32602, Message: "Invalid parameters"}
	broken, _ := browserTarget("T1", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, boom
	})
	fine, fineClient := browserTarget("T2", nil)
	require.NoError(t, reg.Activate(context.Background(), s, []*cdp.Target{broken, fine}))

	err := reg.Deactivate(context.Background(), s)
	require.Error(t, err)
	var protoErr *cdp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, StateRemoved, s.State())
	assert.Len(t, fineClient.CallsTo(page.CommandRemoveScriptToEvaluateOnNewDocument), 1)
}

func TestEvaluateNowDoesNotWait(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	s := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => {}"})
	reg.Add(s)

	release := make(chan struct{})
	t1, client := browserTarget("T1", func(_ context.Context, method string, _ json.RawMessage) (any, error) {
		if method == runtime.CommandEvaluate {
			<-release
			return nil, &cdp.ProtocolError{Code: -32000, Message: "Execution context was destroyed."}
		}
		return nil, nil
	})

	require.NoError(t, reg.EvaluateNow(context.Background(), s, t1))

	select {
	case call := <-client.Sent():
		assert.Equal(t, runtime.CommandEvaluate, call.Method)
		var params runtime.EvaluateParams
		require.NoError(t, json.Unmarshal(call.Params, &params))
		assert.Equal(t, s.EvaluateString(), params.Expression)
	case <-time.After(2 * time.Second):
		t.Fatal("evaluate was not sent")
	}
	close(release)
}

func TestFindKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testr.New(t))
	ctxA := "A"
	a := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => 1", Context: &ctxA})
	b := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => 2"})
	c := mustNew(t, protocol.AddPreloadScriptParameters{FunctionDeclaration: "() => 3"})
	reg.Add(a)
	reg.Add(b)
	reg.Add(c)
	reg.Add(b)

	assert.Equal(t, []*Script{a, b, c}, reg.Find(nil))
	assert.Equal(t, []*Script{b, c}, reg.Find(func(s *Script) bool { return s.AppliesTo("B") }))

	got, err := reg.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)
}
