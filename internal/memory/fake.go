package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-memory Store for tests. Retrieval ranks by naive term
// overlap, newest first on ties.
type Fake struct {
	mu      sync.Mutex
	entries []Snippet
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Write(_ context.Context, text string, tags Tags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, Snippet{
		ID:        uuid.New().String(),
		Text:      text,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (f *Fake) Retrieve(_ context.Context, query string, filter Filter) ([]Snippet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	topK := filter.TopK
	if topK <= 0 {
		topK = 5
	}

	terms := strings.Fields(strings.ToLower(query))
	var matched []Snippet
	for _, e := range f.entries {
		if filter.RunID != "" && e.Tags.RunID != filter.RunID {
			continue
		}
		if filter.CounterpartyID != "" && e.Tags.CounterpartyID != filter.CounterpartyID {
			continue
		}
		if filter.Channel != "" && e.Tags.Channel != filter.Channel {
			continue
		}
		e.Score = termOverlap(terms, e.Text)
		matched = append(matched, e)
	}

	// Insertion sort by score desc, newest first on ties.
	for i := 1; i < len(matched); i++ {
		for j := i; j > 0; j-- {
			a, b := matched[j-1], matched[j]
			if b.Score > a.Score || (b.Score == a.Score && b.CreatedAt.After(a.CreatedAt)) {
				matched[j-1], matched[j] = b, a
			} else {
				break
			}
		}
	}

	if len(matched) > topK {
		matched = matched[:topK]
	}
	return matched, nil
}

func (f *Fake) Close() error {
	return nil
}

// Len reports the number of stored entries.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func termOverlap(terms []string, text string) float32 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	var hits int
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float32(hits) / float32(len(terms))
}
