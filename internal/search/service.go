package search

import (
	"context"

	"postwork/api/internal/logger"
)

// Service is the facade that tries Meilisearch first and falls back to
// Postgres full-text search.
type Service struct {
	meili    *Meili
	primary  Searcher
	fallback Searcher
	pg       *PgFTS
	log      *logger.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{meili: meili, pg: pgfts, log: log.Component("search")}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	empty := Response{Results: []Result{}, Query: q.Text}
	if q.ProjectID == "" {
		return empty
	}
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to postgres")
	}
	if s.fallback == nil {
		return empty
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Error().Err(err).Str("project_id", q.ProjectID).Msg("postgres search failed")
		return empty
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "postgres"}
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(r CommentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComments([]CommentRecord{r}); err != nil {
			s.log.Warn().Err(err).Str("comment_id", r.ID).Msg("index comment failed")
		}
	}()
}

// DeleteComment removes a comment from the index (fire-and-forget).
func (s *Service) DeleteComment(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteComment(id); err != nil {
			s.log.Warn().Err(err).Str("comment_id", id).Msg("delete comment from index failed")
		}
	}()
}

// ReindexAllFromPG pushes every comment in Postgres into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pg == nil {
		return
	}
	records, err := s.pg.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexComments(records); err != nil {
		s.log.Warn().Err(err).Msg("reindex comments failed")
		return
	}
	s.log.Info().Int("comments", len(records)).Msg("search index rebuilt")
}

// Close stops background work.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
