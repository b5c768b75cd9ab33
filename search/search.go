// Package search ranks journal entries and topics against a query by
// embedding similarity. Vectors are unit length, so cosine similarity is
// a plain dot product; the scan is brute force over the newest candidates.
package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/everydev1618/outie/store"
)

const (
	// MaxCandidates caps how many stored vectors one query scans,
	// preferring the most recent.
	MaxCandidates = 500

	// JournalThreshold drops journal matches with score <= it.
	JournalThreshold = 0.30
	// TopicThreshold drops topic matches with score <= it.
	TopicThreshold = 0.35
)

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// JournalResult is a scored journal match.
type JournalResult struct {
	Entry store.JournalEntry `json:"entry"`
	Score float32            `json:"score"`
}

// TopicResult is a scored topic match.
type TopicResult struct {
	Topic store.Topic `json:"topic"`
	Score float32     `json:"score"`
}

// Searcher runs semantic queries over the store.
type Searcher struct {
	store    store.Store
	embedder QueryEmbedder
}

// New creates a Searcher.
func New(st store.Store, emb QueryEmbedder) *Searcher {
	return &Searcher{store: st, embedder: emb}
}

// SearchJournal returns the top k journal entries scoring above the
// journal threshold, best first; ties resolve newest first.
func (s *Searcher) SearchJournal(ctx context.Context, query string, k int) ([]JournalResult, error) {
	q, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	entries, err := s.store.ListJournalWithEmbeddings(MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("load journal candidates: %w", err)
	}

	var results []JournalResult
	for _, e := range entries {
		if len(e.Embedding) != len(q) {
			continue
		}
		score := dot(q, e.Embedding)
		if score > JournalThreshold {
			results = append(results, JournalResult{Entry: e, Score: score})
		}
	}
	// Candidates arrive newest first; a stable sort keeps that order
	// among equal scores.
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SearchTopics returns the top k topics scoring above the topic
// threshold, best first; ties resolve newest first.
func (s *Searcher) SearchTopics(ctx context.Context, query string, k int) ([]TopicResult, error) {
	q, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	topics, err := s.store.ListTopicsWithEmbeddings(MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("load topic candidates: %w", err)
	}

	var results []TopicResult
	for _, t := range topics {
		if len(t.Embedding) != len(q) {
			continue
		}
		score := dot(q, t.Embedding)
		if score > TopicThreshold {
			results = append(results, TopicResult{Topic: t, Score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
