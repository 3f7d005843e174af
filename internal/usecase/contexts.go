package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"context-bridge/internal/domain"
	"context-bridge/internal/integrations/openai"
)

const (
	defaultMaxMessages      = 500
	defaultSummaryMaxTokens = 150
)

// ContextStore is the persistence interface consumed by the service.
type ContextStore interface {
	Insert(ctx context.Context, c *domain.Context, messages []domain.MessageInput) error
	GetByID(ctx context.Context, id string) (*domain.Context, error)
	List(ctx context.Context, platform string, limit, offset int) ([]domain.Context, int, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Summarizer produces a short natural-language digest of a conversation.
type Summarizer interface {
	Summarize(ctx context.Context, messages []domain.MessageInput, maxTokens int) (domain.SummaryResult, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ContextService orchestrates context creation, retrieval, listing,
// deletion, expiry sweeps, and standalone summarization.
type ContextService struct {
	store            ContextStore
	summarizer       Summarizer
	maxMessages      int
	summaryMaxTokens int
	log              zerolog.Logger
}

// CreateContextInput carries a validated context submission.
type CreateContextInput struct {
	Platform          domain.Platform
	Messages          []domain.MessageInput
	Formatted         string
	Summary           *string
	GenerateAISummary bool
	SourceMetadata    map[string]any
}

// ListResult is one page of contexts plus the pagination window math.
type ListResult struct {
	Contexts []domain.Context
	Total    int
	Limit    int
	Offset   int
	HasMore  bool
}

func NewContextService(store ContextStore, summarizer Summarizer, maxMessages, summaryMaxTokens int, log zerolog.Logger) (*ContextService, error) {
	if store == nil {
		return nil, errors.New("usecase: context store must not be nil")
	}
	if summarizer == nil {
		return nil, errors.New("usecase: summarizer must not be nil")
	}
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	if summaryMaxTokens <= 0 {
		summaryMaxTokens = defaultSummaryMaxTokens
	}
	return &ContextService{
		store:            store,
		summarizer:       summarizer,
		maxMessages:      maxMessages,
		summaryMaxTokens: summaryMaxTokens,
		log:              log,
	}, nil
}

// CreateContext persists a new context with its messages. Summarization is
// best-effort: any provider failure falls back to the client-supplied
// summary, or to a generic one, and never fails the create. Persistence is
// mandatory; store faults propagate.
func (s *ContextService) CreateContext(ctx context.Context, in CreateContextInput) (*domain.Context, error) {
	// The boundary already enforces these bounds; the service re-checks
	// them as an invariant of its own.
	if len(in.Messages) == 0 {
		return nil, newError(ErrorInvalidInput, "empty_messages", nil)
	}
	if len(in.Messages) > s.maxMessages {
		return nil, newError(ErrorInvalidInput, "too_many_messages", nil)
	}

	summary := in.Summary
	var summaryMeta *domain.SummaryMetadata

	if in.GenerateAISummary {
		result, err := s.summarizer.Summarize(ctx, in.Messages, s.summaryMaxTokens)
		if err != nil {
			s.log.Warn().Err(err).Msg("ai summary failed, falling back")
			if summary == nil {
				fallback := fmt.Sprintf("Conversation with %d messages", len(in.Messages))
				summary = &fallback
			}
		} else {
			summary = &result.Summary
			summaryMeta = &domain.SummaryMetadata{
				TokensUsed:  result.TokensUsed,
				Model:       result.Model,
				GeneratedAt: time.Now().UTC(),
			}
			s.log.Info().Int("tokens_used", result.TokensUsed).Str("model", result.Model).Msg("generated ai summary")
		}
	}

	created := &domain.Context{
		Platform:        in.Platform,
		FormattedText:   in.Formatted,
		Summary:         summary,
		SummaryMetadata: summaryMeta,
		SourceMetadata:  in.SourceMetadata,
	}
	if err := s.store.Insert(ctx, created, in.Messages); err != nil {
		return nil, newError(ErrorInternal, "storage_insert_error", err)
	}

	s.log.Info().Str("context_id", created.ID).Int("message_count", created.MessageCount).Msg("created context")
	return created, nil
}

// GetContext loads a context with its messages in submission order.
func (s *ContextService) GetContext(ctx context.Context, id string) (*domain.Context, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, newError(ErrorInternal, "storage_read_error", err)
	}
	if c == nil {
		return nil, newError(ErrorNotFound, "context_not_found", nil)
	}
	return c, nil
}

// ListContexts returns one page of contexts newest-first, with HasMore
// computed from the total matching count.
func (s *ContextService) ListContexts(ctx context.Context, platform string, limit, offset int) (ListResult, error) {
	contexts, total, err := s.store.List(ctx, platform, limit, offset)
	if err != nil {
		return ListResult{}, newError(ErrorInternal, "storage_list_error", err)
	}
	return ListResult{
		Contexts: contexts,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
		HasMore:  offset+limit < total,
	}, nil
}

// DeleteContext removes a context and all its messages.
func (s *ContextService) DeleteContext(ctx context.Context, id string) error {
	deleted, err := s.store.DeleteByID(ctx, id)
	if err != nil {
		return newError(ErrorInternal, "storage_delete_error", err)
	}
	if !deleted {
		return newError(ErrorNotFound, "context_not_found", nil)
	}
	s.log.Info().Str("context_id", id).Msg("deleted context")
	return nil
}

// PurgeExpired removes every context whose retention has lapsed. Intended
// to be triggered by an external scheduler.
func (s *ContextService) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	count, err := s.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, newError(ErrorInternal, "storage_purge_error", err)
	}
	if count > 0 {
		s.log.Info().Int("count", count).Msg("purged expired contexts")
	}
	return count, nil
}

// Summarize performs standalone summarization with no persistence. Unlike
// CreateContext, provider failures surface to the caller.
func (s *ContextService) Summarize(ctx context.Context, messages []domain.MessageInput, maxTokens int) (domain.SummaryResult, error) {
	if len(messages) == 0 {
		return domain.SummaryResult{}, newError(ErrorInvalidInput, "empty_messages", nil)
	}

	result, err := s.summarizer.Summarize(ctx, messages, maxTokens)
	if err != nil {
		if errors.Is(err, openai.ErrNotConfigured) {
			return domain.SummaryResult{}, newError(ErrorProviderUnavailable, "provider_not_configured", err)
		}
		if status, ok := upstreamStatusCode(err); ok && (status == 402 || status == 429) {
			return domain.SummaryResult{}, newError(ErrorProviderQuota, "provider_quota_exceeded", err)
		}
		return domain.SummaryResult{}, newError(ErrorUpstream, "provider_error", err)
	}
	return result, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
