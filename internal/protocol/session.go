package protocol

const (
	MethodSessionStatus      = "session.status"
	MethodSessionSubscribe   = "session.subscribe"
	MethodSessionUnsubscribe = "session.unsubscribe"
)

type StatusResult struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
}

type SubscriptionRequest struct {
	Events   []string `json:"events"`
	Contexts []string `json:"contexts,omitempty"`
}
