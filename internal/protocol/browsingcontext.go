package protocol

const (
	MethodBrowsingContextGetTree  = "browsingContext.getTree"
	MethodBrowsingContextNavigate = "browsingContext.navigate"
	MethodBrowsingContextCreate   = "browsingContext.create"
	MethodBrowsingContextClose    = "browsingContext.close"
	MethodProtoFindElement        = "PROTO.browsingContext.findElement"
	MethodProtoClose              = "PROTO.browsingContext.close"

	EventBrowsingContextLoad             = "browsingContext.load"
	EventBrowsingContextDOMContentLoaded = "browsingContext.domContentLoaded"
	EventBrowsingContextCreated          = "browsingContext.contextCreated"
	EventBrowsingContextDestroyed        = "browsingContext.contextDestroyed"
)

type ReadinessState string

const (
	ReadinessStateNone        ReadinessState = "none"
	ReadinessStateInteractive ReadinessState = "interactive"
	ReadinessStateComplete    ReadinessState = "complete"
)

type GetTreeParameters struct {
	MaxDepth *int    `json:"maxDepth,omitempty"`
	Root     *string `json:"root,omitempty"`
	// Parent is the older name of Root.
	Parent *string `json:"parent,omitempty"`
}

// BrowsingContextInfo describes one context and, depending on the requested
// depth, its children. Children is nil when the depth limit cut it off.
type BrowsingContextInfo struct {
	Context  string                `json:"context"`
	Parent   *string               `json:"parent,omitempty"`
	URL      string                `json:"url"`
	Children []BrowsingContextInfo `json:"children"`
}

type GetTreeResult struct {
	Contexts []BrowsingContextInfo `json:"contexts"`
}

type NavigateParameters struct {
	Context string         `json:"context"`
	URL     string         `json:"url"`
	Wait    ReadinessState `json:"wait,omitempty"`
}

type NavigateResult struct {
	Navigation *string `json:"navigation,omitempty"`
	URL        string  `json:"url"`
}

type CreateType string

const (
	CreateTypeTab    CreateType = "tab"
	CreateTypeWindow CreateType = "window"
)

type CreateParameters struct {
	Type CreateType `json:"type,omitempty"`
}

type CreateResult struct {
	Context string `json:"context"`
}

type CloseParameters struct {
	Context string `json:"context"`
}

type FindElementParameters struct {
	Selector string `json:"selector"`
	Context  string `json:"context"`
}

type NavigationInfo struct {
	Context    string  `json:"context"`
	Navigation *string `json:"navigation"`
}
