package search

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"abode/collab/internal/comments"
)

const (
	EngineMeili = "meilisearch"
	EngineSQL   = "sql"
)

// Service tries Meilisearch first and falls back to the store.
type Service struct {
	meili    *Meili
	fallback Fallback
	logger   zerolog.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured; fallback may be nil when there is no store.
func NewService(meili *Meili, fallback Fallback, logger zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineMeili}
		}
		s.logger.Warn().Err(err).Str("project_id", q.ProjectID).Msg("meilisearch error, falling back to sql")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	found, err := s.fallback.SearchComments(ctx, q.ProjectID, q.Text, q.Limit)
	if err != nil {
		s.logger.Error().Err(err).Str("project_id", q.ProjectID).Msg("sql comment search failed")
		return Response{Results: []Result{}, Query: q.Text, Engine: EngineSQL}
	}
	results := make([]Result, 0, len(found))
	for _, c := range found {
		results = append(results, resultFor(c))
	}
	return Response{Results: results, Total: len(results), Query: q.Text, Engine: EngineSQL}
}

// IndexComment indexes a comment without blocking the caller.
func (s *Service) IndexComment(c comments.Comment) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFor(c)
	go func() {
		if err := s.meili.IndexComment(record); err != nil {
			s.logger.Warn().Err(err).Str("comment_id", record.ID).Msg("index comment")
		}
	}()
}

// ReindexAll pushes every known comment into Meilisearch. Called from
// bootstrap after the store has been replayed.
func (s *Service) ReindexAll(all []comments.Comment) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records := make([]CommentRecord, 0, len(all))
	for _, c := range all {
		records = append(records, RecordFor(c))
	}
	if err := s.meili.IndexComments(records); err != nil {
		s.logger.Warn().Err(err).Int("count", len(records)).Msg("reindex comments")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
