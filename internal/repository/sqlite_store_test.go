package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"context-bridge/internal/domain"
)

func newTestStore(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := New(db, retention)
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(context.Background()))
	return store
}

func testMessages(n int) []domain.MessageInput {
	msgs := make([]domain.MessageInput, 0, n)
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		msgs = append(msgs, domain.MessageInput{
			Role:    role,
			Content: "content " + string(rune('a'+i)),
			// Timestamps deliberately run backwards so ordering cannot
			// accidentally come from them.
			Timestamp: time.Date(2025, 1, 8, 10, 30, 0, 0, time.UTC).Add(-time.Duration(i) * time.Minute),
		})
	}
	return msgs
}

func insertContext(t *testing.T, store *Store, platform domain.Platform, n int) *domain.Context {
	t.Helper()
	c := &domain.Context{
		Platform:      platform,
		FormattedText: "## Conversation",
	}
	require.NoError(t, store.Insert(context.Background(), c, testMessages(n)))
	return c
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, time.Hour)
	require.Error(t, err)

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, 0)
	require.Error(t, err)
}

func TestInsert_AssignsIdentifiersAndTimestamps(t *testing.T) {
	store := newTestStore(t, 30*24*time.Hour)

	summary := "client summary"
	c := &domain.Context{
		Platform:      domain.PlatformChatGPT,
		FormattedText: "text",
		Summary:       &summary,
		SummaryMetadata: &domain.SummaryMetadata{
			TokensUsed:  42,
			Model:       "gpt-4",
			GeneratedAt: time.Date(2025, 1, 8, 10, 31, 0, 0, time.UTC),
		},
		SourceMetadata: map[string]any{"browser": "Chrome"},
	}
	require.NoError(t, store.Insert(context.Background(), c, testMessages(3)))

	require.NotEmpty(t, c.ID)
	require.Equal(t, 3, c.MessageCount)
	require.False(t, c.CreatedAt.IsZero())
	require.Equal(t, c.CreatedAt, c.UpdatedAt)
	require.Equal(t, c.CreatedAt.Add(30*24*time.Hour), c.ExpiresAt)
	require.Len(t, c.Messages, 3)
	for i, m := range c.Messages {
		require.NotEmpty(t, m.ID)
		require.Equal(t, c.ID, m.ContextID)
		require.Equal(t, i, m.SequenceOrder)
	}
}

func TestInsert_RequiresMessages(t *testing.T) {
	store := newTestStore(t, time.Hour)
	err := store.Insert(context.Background(), &domain.Context{Platform: domain.PlatformPoe, FormattedText: "x"}, nil)
	require.Error(t, err)
}

func TestGetByID_RoundTrip(t *testing.T) {
	store := newTestStore(t, time.Hour)

	summary := "a summary"
	c := &domain.Context{
		Platform:       domain.PlatformClaude,
		FormattedText:  "## Conversation\n\n**USER**: hi",
		Summary:        &summary,
		SourceMetadata: map[string]any{"extension_version": "1.0.0"},
	}
	inputs := testMessages(4)
	require.NoError(t, store.Insert(context.Background(), c, inputs))

	got, err := store.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, c.ID, got.ID)
	require.Equal(t, domain.PlatformClaude, got.Platform)
	require.Equal(t, 4, got.MessageCount)
	require.Equal(t, c.FormattedText, got.FormattedText)
	require.Equal(t, "a summary", *got.Summary)
	require.Nil(t, got.SummaryMetadata)
	require.Equal(t, "1.0.0", got.SourceMetadata["extension_version"])
	require.Equal(t, c.CreatedAt, got.CreatedAt)
	require.Equal(t, c.ExpiresAt, got.ExpiresAt)

	// Messages come back in submission order despite reversed timestamps.
	require.Len(t, got.Messages, 4)
	for i, m := range got.Messages {
		require.Equal(t, i, m.SequenceOrder)
		require.Equal(t, inputs[i].Content, m.Content)
		require.Equal(t, inputs[i].Role, m.Role)
		require.Equal(t, inputs[i].Timestamp, m.MessageTimestamp)
	}
}

func TestGetByID_AbsentSummaryAndMetadata(t *testing.T) {
	store := newTestStore(t, time.Hour)
	c := insertContext(t, store, domain.PlatformGemini, 1)

	got, err := store.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	require.Nil(t, got.Summary)
	require.Nil(t, got.SummaryMetadata)
	require.Nil(t, got.SourceMetadata)
}

func TestGetByID_Missing(t *testing.T) {
	store := newTestStore(t, time.Hour)
	got, err := store.GetByID(context.Background(), "no-such-id")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestList_FilterPaginationAndOrder(t *testing.T) {
	store := newTestStore(t, time.Hour)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, insertContext(t, store, domain.PlatformChatGPT, 1).ID)
	}
	insertContext(t, store, domain.PlatformClaude, 1)
	insertContext(t, store, domain.PlatformClaude, 1)

	contexts, total, err := store.List(context.Background(), "", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, contexts, 5)

	// Newest first.
	for i := 1; i < len(contexts); i++ {
		require.False(t, contexts[i].CreatedAt.After(contexts[i-1].CreatedAt))
	}

	contexts, total, err = store.List(context.Background(), "chatgpt", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, contexts, 3)
	require.Equal(t, ids[2], contexts[0].ID)
	require.Equal(t, ids[0], contexts[2].ID)

	contexts, total, err = store.List(context.Background(), "chatgpt", 2, 2)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, contexts, 1)

	contexts, total, err = store.List(context.Background(), "chatgpt", 10, 10)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Empty(t, contexts)
}

func TestDeleteByID_CascadesAndIsIdempotent(t *testing.T) {
	store := newTestStore(t, time.Hour)
	c := insertContext(t, store, domain.PlatformChatGPT, 3)

	deleted, err := store.DeleteByID(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	got, err := store.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	// No orphaned messages remain.
	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE context_id = ?`, c.ID).Scan(&count))
	require.Zero(t, count)

	deleted, err = store.DeleteByID(context.Background(), c.ID)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestDeleteExpired(t *testing.T) {
	store := newTestStore(t, time.Hour)

	// A second store on the same database with a tiny retention produces
	// rows that are already expired.
	shortLived, err := New(store.db, time.Nanosecond)
	require.NoError(t, err)

	expired := insertContext(t, shortLived, domain.PlatformChatGPT, 1)
	expired2 := insertContext(t, shortLived, domain.PlatformPoe, 2)
	kept := insertContext(t, store, domain.PlatformClaude, 1)

	count, err := store.DeleteExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 2, count)

	got, err := store.GetByID(context.Background(), expired.ID)
	require.NoError(t, err)
	require.Nil(t, got)
	got, err = store.GetByID(context.Background(), expired2.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = store.GetByID(context.Background(), kept.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	count, err = store.DeleteExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRecordUsage(t *testing.T) {
	store := newTestStore(t, time.Hour)

	err := store.RecordUsage(context.Background(), domain.APIUsage{
		Endpoint:         "POST /api/v1/contexts",
		IPAddress:        "203.0.113.7",
		UserAgent:        "test-agent",
		RequestTimestamp: time.Now().UTC(),
		ResponseStatus:   201,
		ProcessingTimeMS: 12,
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM api_usage WHERE endpoint = ?`, "POST /api/v1/contexts").Scan(&count))
	require.Equal(t, 1, count)
}

func TestPing(t *testing.T) {
	store := newTestStore(t, time.Hour)
	require.NoError(t, store.Ping(context.Background()))
}
