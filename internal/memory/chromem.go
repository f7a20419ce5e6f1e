package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"github.com/rotisserie/eris"
)

// ChromemConfig configures the chromem-go backed store.
type ChromemConfig struct {
	// PersistPath enables on-disk persistence when non-empty.
	PersistPath string
	Collection  string
	TopK        int
}

// ChromemStore implements Store on a chromem-go collection. Tags are kept as
// document metadata and pushed down as an exact-match where-filter.
type ChromemStore struct {
	collection *chromem.Collection
	topK       int
}

// NewChromem creates a ChromemStore. When embed is nil a deterministic local
// embedding is used, which keeps the store usable without network access.
func NewChromem(cfg ChromemConfig, embed chromem.EmbeddingFunc) (*ChromemStore, error) {
	if cfg.Collection == "" {
		cfg.Collection = "sourcing"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if embed == nil {
		embed = localEmbedding
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistPath, false)
		if err != nil {
			return nil, eris.Wrap(err, "memory: create persistent db")
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, eris.Wrap(err, "memory: create collection")
	}

	return &ChromemStore{collection: collection, topK: cfg.TopK}, nil
}

func (s *ChromemStore) Write(ctx context.Context, text string, tags Tags) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	metadata := map[string]string{
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if tags.RunID != "" {
		metadata["run_id"] = tags.RunID
	}
	if tags.CounterpartyID != "" {
		metadata["counterparty_id"] = tags.CounterpartyID
	}
	if tags.Channel != "" {
		metadata["channel"] = tags.Channel
	}

	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:       uuid.New().String(),
		Content:  text,
		Metadata: metadata,
	})
	return eris.Wrap(err, "memory: add document")
}

func (s *ChromemStore) Retrieve(ctx context.Context, query string, filter Filter) ([]Snippet, error) {
	topK := filter.TopK
	if topK <= 0 {
		topK = s.topK
	}

	// Rank against the whole collection and tag-filter client side; chromem
	// rejects nResults larger than the candidate set, and per-run note
	// volumes are small enough that ranking everything is cheap.
	n := s.collection.Count()
	if n == 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, eris.Wrap(err, "memory: query collection")
	}

	snippets := make([]Snippet, 0, topK)
	for _, r := range results {
		if len(snippets) == topK {
			break
		}
		if filter.RunID != "" && r.Metadata["run_id"] != filter.RunID {
			continue
		}
		if filter.CounterpartyID != "" && r.Metadata["counterparty_id"] != filter.CounterpartyID {
			continue
		}
		if filter.Channel != "" && r.Metadata["channel"] != filter.Channel {
			continue
		}
		s := Snippet{
			ID:    r.ID,
			Text:  r.Content,
			Score: r.Similarity,
			Tags: Tags{
				RunID:          r.Metadata["run_id"],
				CounterpartyID: r.Metadata["counterparty_id"],
				Channel:        r.Metadata["channel"],
			},
		}
		if raw := r.Metadata["created_at"]; raw != "" {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				s.CreatedAt = ts
			}
		}
		snippets = append(snippets, s)
	}
	return snippets, nil
}

func (s *ChromemStore) Close() error {
	return nil
}

const localEmbeddingDims = 256

// localEmbedding maps text to a normalized hashed bag-of-words vector. It is
// deterministic and needs no external embedding service; similar notes about
// the same vendor and item still land near each other.
func localEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localEmbeddingDims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?\"'()[]")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%localEmbeddingDims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
