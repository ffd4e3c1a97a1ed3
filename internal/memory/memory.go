// Package memory is the agent's core memory: typed text entries with
// similarity search over a chromem-go collection.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"arbiter/internal/logging"
)

// Entry types. Free-form strings are accepted; these are the conventional
// ones the UI filters on.
const (
	TypeFact       = "fact"
	TypePreference = "preference"
	TypeInsight    = "insight"
	TypeDecision   = "decision"
)

const defaultQueryLimit = 5

// Entry is one memory record.
type Entry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is one search hit.
type Match struct {
	Entry      Entry   `json:"entry"`
	Similarity float32 `json:"similarity"`
}

// Config holds store configuration.
type Config struct {
	PersistPath string // empty keeps the collection in memory
	Collection  string
	// EmbedFunc produces the embedding for a text. Nil selects the local
	// hashing embedder, which needs no network and is deterministic.
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

// Store wraps one chromem collection.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     logging.Logger
}

// New opens or creates the collection.
func New(cfg Config, logger logging.Logger) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = "core_memory"
	}
	embed := cfg.EmbedFunc
	if embed == nil {
		embed = localEmbedding
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistPath, "memory.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open persistent memory db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, chromem.EmbeddingFunc(embed))
	if err != nil {
		return nil, fmt.Errorf("create memory collection: %w", err)
	}
	return &Store{db: db, collection: collection, logger: logging.OrNop(logger)}, nil
}

// Add stores an entry, assigning an id and timestamp when missing.
func (s *Store) Add(ctx context.Context, entry Entry) (Entry, error) {
	if strings.TrimSpace(entry.Content) == "" {
		return Entry{}, fmt.Errorf("memory entry content is empty")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Type == "" {
		entry.Type = TypeFact
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:      entry.ID,
		Content: entry.Content,
		Metadata: map[string]string{
			"type":       entry.Type,
			"created_at": entry.CreatedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("add memory %s: %w", entry.ID, err)
	}
	return entry, nil
}

// Query searches by text. An empty typeFilter matches every type; limit <= 0
// takes the default.
func (s *Store) Query(ctx context.Context, text, typeFilter string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	// chromem rejects nResults above the collection size.
	if count := s.collection.Count(); limit > count {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}

	var where map[string]string
	if typeFilter != "" {
		where = map[string]string{"type": typeFilter}
	}

	results, err := s.collection.Query(ctx, text, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{Entry: entryFromDoc(r.ID, r.Content, r.Metadata), Similarity: r.Similarity})
	}
	return matches, nil
}

// Get loads one entry by id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	doc, err := s.collection.GetByID(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("get memory %s: %w", id, err)
	}
	return entryFromDoc(doc.ID, doc.Content, doc.Metadata), nil
}

// Delete removes one entry by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count() int {
	return s.collection.Count()
}

func entryFromDoc(id, content string, metadata map[string]string) Entry {
	entry := Entry{ID: id, Type: metadata["type"], Content: content}
	if ts, err := time.Parse(time.RFC3339, metadata["created_at"]); err == nil {
		entry.CreatedAt = ts
	}
	return entry
}

// localEmbeddingDim is the vector size of the hashing embedder.
const localEmbeddingDim = 128

// localEmbedding maps token hashes into a fixed-size normalized vector.
// Identical texts embed identically; overlapping vocabularies land close.
// It is a standalone-mode stand-in for a real embedding model.
func localEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localEmbeddingDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		vec[sum%localEmbeddingDim] += 1
		if sum&1 == 1 {
			vec[(sum>>8)%localEmbeddingDim] += 0.5
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}
