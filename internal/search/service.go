package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres scan.
type Service struct {
	meili *Meili
	pg    *PGSearch
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pg *PGSearch) *Service {
	return &Service{meili: meili, pg: pg}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.pg.Search(q)
	if err != nil {
		log.Printf("search: postgres error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexIssue indexes an issue (fire-and-forget to Meilisearch).
func (s *Service) IndexIssue(issue IssueRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexIssue(issue); err != nil {
			log.Printf("search: index issue %s: %v", issue.ID, err)
		}
	}()
}

// DeleteIssue removes an issue from the search index (fire-and-forget).
func (s *Service) DeleteIssue(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteIssue(id); err != nil {
			log.Printf("search: delete issue %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes every active issue from PostgreSQL into
// Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pg == nil {
		return
	}
	issues, err := s.pg.LoadAllIssues(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexIssues(issues); err != nil {
		log.Printf("search: reindex issues: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
