package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Collection: "test"}, nil)
	require.NoError(t, err)
	return s
}

func TestMemoryAddAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	entry, err := s.Add(ctx, Entry{Type: TypePreference, Content: "prefers short status updates"})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())

	got, err := s.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, TypePreference, got.Type)
	assert.Equal(t, "prefers short status updates", got.Content)
}

func TestMemoryRejectsEmptyContent(t *testing.T) {
	s := newStore(t)
	_, err := s.Add(context.Background(), Entry{Content: "   "})
	assert.Error(t, err)
}

func TestMemoryQueryRanksExactMatchFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, Entry{Content: "the deployment pipeline uses blue green rollouts"})
	require.NoError(t, err)
	_, err = s.Add(ctx, Entry{Content: "quarterly revenue grew twelve percent"})
	require.NoError(t, err)

	matches, err := s.Query(ctx, "the deployment pipeline uses blue green rollouts", "", 2)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Contains(t, matches[0].Entry.Content, "deployment pipeline")
}

func TestMemoryQueryTypeFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, Entry{Type: TypeFact, Content: "the api gateway lives in us east"})
	require.NoError(t, err)
	_, err = s.Add(ctx, Entry{Type: TypeInsight, Content: "the api gateway is the usual bottleneck"})
	require.NoError(t, err)

	matches, err := s.Query(ctx, "api gateway", TypeInsight, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, TypeInsight, matches[0].Entry.Type)
}

func TestMemoryQueryEmptyStore(t *testing.T) {
	s := newStore(t)
	matches, err := s.Query(context.Background(), "anything", "", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	entry, err := s.Add(ctx, Entry{Content: "temporary note"})
	require.NoError(t, err)
	require.Equal(t, 1, s.Count())

	require.NoError(t, s.Delete(ctx, entry.ID))
	assert.Zero(t, s.Count())

	_, err = s.Get(ctx, entry.ID)
	assert.Error(t, err)
}
