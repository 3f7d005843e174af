package domain

import "time"

// MessageInput is the provider-agnostic message shape used by the handler,
// the workflow service, and the summarization integration.
type MessageInput struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SummaryResult is the outcome of one summarization provider call.
type SummaryResult struct {
	Summary    string `json:"summary"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model"`
}
