package search

import (
	"context"
	"strings"

	"arpentage/api/internal/casefile"

	"go.uber.org/zap"
)

// CaseFileLister is the part of the store used to rebuild the index.
type CaseFileLister interface {
	AllCaseFiles(ctx context.Context) ([]casefile.CaseFile, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres.
type Service struct {
	meili   *Meili
	pg      *PgSearch
	clients casefile.ClientRegistry
	logger  *zap.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured; clients may be nil, in which case records carry no client
// names.
func NewService(meili *Meili, pg *PgSearch, clients casefile.ClientRegistry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, pg: pg, clients: clients, logger: logger.Named("search")}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}
	if s.pg == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}
	}
	results, total, err := s.pg.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text, Engine: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "postgres"}
}

// CaseFileSaved reindexes a case file after a successful save. Indexing runs
// in the background and failures are only logged.
func (s *Service) CaseFileSaved(ctx context.Context, saved casefile.CaseFile, _ casefile.Actor) {
	if !s.meiliReady() || strings.TrimSpace(saved.ID) == "" {
		return
	}
	names := s.clientNames(ctx, saved)
	record := NewRecord(saved, names)
	go func() {
		if err := s.meili.IndexCaseFiles([]Record{record}); err != nil {
			s.logger.Warn("index case file", zap.String("case_file_id", record.ID), zap.Error(err))
		}
	}()
}

// Reindex pushes every case file into Meilisearch. It is run at startup.
func (s *Service) Reindex(ctx context.Context, lister CaseFileLister) {
	if !s.meiliReady() || lister == nil {
		return
	}
	caseFiles, err := lister.AllCaseFiles(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	records := make([]Record, 0, len(caseFiles))
	for _, cf := range caseFiles {
		records = append(records, NewRecord(cf, s.clientNames(ctx, cf)))
	}
	if err := s.meili.IndexCaseFiles(records); err != nil {
		s.logger.Warn("reindex failed", zap.Error(err))
		return
	}
	s.logger.Info("search index rebuilt", zap.Int("case_files", len(records)))
}

func (s *Service) clientNames(ctx context.Context, cf casefile.CaseFile) []string {
	if s.clients == nil || len(cf.ClientIDs) == 0 {
		return nil
	}
	parties, err := s.clients.PartiesByIDs(ctx, cf.ClientIDs)
	if err != nil {
		s.logger.Warn("resolve client names", zap.String("case_file_id", cf.ID), zap.Error(err))
		return nil
	}
	byID := make(map[string]casefile.Party, len(parties))
	for _, party := range parties {
		byID[party.ID] = party
	}
	names := make([]string, 0, len(cf.ClientIDs))
	for _, id := range cf.ClientIDs {
		if party, ok := byID[id]; ok {
			if name := party.DisplayName(); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
