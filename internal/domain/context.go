package domain

import "time"

// Platform identifies the originating AI chat product.
type Platform string

const (
	PlatformChatGPT Platform = "chatgpt"
	PlatformClaude  Platform = "claude"
	PlatformGemini  Platform = "gemini"
	PlatformPoe     Platform = "poe"
)

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformChatGPT, PlatformClaude, PlatformGemini, PlatformPoe:
		return true
	}
	return false
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a supported message role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// SummaryMetadata records provenance of an AI-generated summary. It is
// present only when the summarization provider call succeeded.
type SummaryMetadata struct {
	TokensUsed  int       `json:"tokens_used"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Context is one persisted conversation with its ordered messages.
// A context is created once, atomically with all its messages, and is
// never edited afterward; UpdatedAt exists for forward compatibility.
type Context struct {
	ID              string
	Platform        Platform
	MessageCount    int
	FormattedText   string
	Summary         *string
	SummaryMetadata *SummaryMetadata
	SourceMetadata  map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time

	Messages []Message
}

// Message is a single turn within a context. SequenceOrder is the
// zero-based submission index and is authoritative for ordering;
// MessageTimestamp is client-supplied and informational only.
type Message struct {
	ID               string
	ContextID        string
	Role             Role
	Content          string
	MessageTimestamp time.Time
	SequenceOrder    int
	CreatedAt        time.Time
}

// APIUsage is one request-log telemetry row, recorded best-effort by the
// HTTP boundary.
type APIUsage struct {
	Endpoint         string
	IPAddress        string
	UserAgent        string
	RequestTimestamp time.Time
	ResponseStatus   int
	ProcessingTimeMS int
}
