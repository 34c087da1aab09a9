package dto

type ErrorResponse struct {
	Error     string         `json:"error"`
	Kind      string         `json:"kind,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type CanonicalResponse struct {
	RequestedID string `json:"requested_id"`
	CanonicalID string `json:"canonical_id"`
	Participant any    `json:"participant"`
}

type AuthResponse struct {
	Token  string `json:"token"`
	Member any    `json:"member"`
}
