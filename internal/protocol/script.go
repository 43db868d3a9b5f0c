package protocol

const (
	MethodScriptEvaluate            = "script.evaluate"
	MethodScriptCallFunction        = "script.callFunction"
	MethodScriptAddPreloadScript    = "script.addPreloadScript"
	MethodScriptRemovePreloadScript = "script.removePreloadScript"

	EventScriptMessage = "script.message"
)

// ScriptTarget addresses a browsing context (realm targets are not
// supported).
type ScriptTarget struct {
	Context string `json:"context,omitempty"`
	Realm   string `json:"realm,omitempty"`
	Sandbox string `json:"sandbox,omitempty"`
}

type EvaluateParameters struct {
	Expression   string       `json:"expression"`
	AwaitPromise bool         `json:"awaitPromise,omitempty"`
	Target       ScriptTarget `json:"target"`
}

type CallFunctionParameters struct {
	FunctionDeclaration string       `json:"functionDeclaration"`
	Arguments           []LocalValue `json:"arguments,omitempty"`
	This                *LocalValue  `json:"this,omitempty"`
	AwaitPromise        bool         `json:"awaitPromise,omitempty"`
	Target              ScriptTarget `json:"target"`
}

// EvaluateResult carries either Result or ExceptionDetails.
type EvaluateResult struct {
	Result           *RemoteValue      `json:"result,omitempty"`
	ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

type SerializationOptions struct {
	MaxDomDepth       *int   `json:"maxDomDepth,omitempty"`
	MaxObjectDepth    *int   `json:"maxObjectDepth,omitempty"`
	IncludeShadowTree string `json:"includeShadowTree,omitempty"`
}

type ChannelProperties struct {
	Channel              string                `json:"channel"`
	SerializationOptions *SerializationOptions `json:"serializationOptions,omitempty"`
	Ownership            string                `json:"ownership,omitempty"`
}

// ChannelValue is the only argument kind accepted by preload scripts.
type ChannelValue struct {
	Type  string            `json:"type"`
	Value ChannelProperties `json:"value"`
}

type AddPreloadScriptParameters struct {
	FunctionDeclaration string         `json:"functionDeclaration"`
	Arguments           []ChannelValue `json:"arguments,omitempty"`
	Sandbox             *string        `json:"sandbox,omitempty"`
	Context             *string        `json:"context,omitempty"`
}

type AddPreloadScriptResult struct {
	Script string `json:"script"`
}

type RemovePreloadScriptParameters struct {
	Script string `json:"script"`
}

type MessageSource struct {
	Realm   string `json:"realm,omitempty"`
	Context string `json:"context,omitempty"`
}

// MessageParameters are the params of the script.message event.
type MessageParameters struct {
	Channel string        `json:"channel"`
	Data    RemoteValue   `json:"data"`
	Source  MessageSource `json:"source"`
}
