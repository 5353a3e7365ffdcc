package search

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxCaseFiles = "arpentage_dossiers"

var (
	filterableAttributes = []string{"arpenteur", "statut"}
	searchableAttributes = []string{"numero_dossier", "label", "clients", "adresses", "lots", "description", "assignes"}
)

// Meili searches and indexes case files in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects to Meilisearch and configures the case-file index. An
// unreachable server is reported as unhealthy and retried in the background.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.Named("meilisearch"),
		done:   make(chan struct{}),
	}
	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxCaseFiles, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.Error(err))
	}
	index := m.client.Index(idxCaseFiles)
	filterable := make([]interface{}, len(filterableAttributes))
	for i, attr := range filterableAttributes {
		filterable[i] = attr
	}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := append([]string(nil), searchableAttributes...)
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			recovered := err == nil && !m.healthy.Load()
			m.healthy.Store(err == nil)
			if recovered {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	request := &meili.SearchRequest{
		Limit:                 int64(q.limit()),
		Offset:                int64(q.offset()),
		AttributesToHighlight: []string{"description"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		request.Filter = filters
	}

	resp, err := m.client.Index(idxCaseFiles).Search(q.Text, request)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}
	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if surveyor := strings.TrimSpace(q.Surveyor); surveyor != "" {
		filters = append(filters, fmt.Sprintf("arpenteur = %q", surveyor))
	}
	if status := strings.TrimSpace(q.Status); status != "" {
		filters = append(filters, fmt.Sprintf("statut = %q", status))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:         decodeString(hit, "id"),
		FileNumber: decodeString(hit, "numero_dossier"),
		Label:      decodeString(hit, "label"),
		Surveyor:   decodeString(hit, "arpenteur"),
		Status:     decodeString(hit, "statut"),
		Snippet:    firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

// IndexCaseFiles adds or replaces records in the case-file index.
func (m *Meili) IndexCaseFiles(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxCaseFiles).AddDocuments(records, nil); err != nil {
		return fmt.Errorf("index case files: %w", err)
	}
	return nil
}

func (m *Meili) DeleteCaseFile(id string) error {
	if _, err := m.client.Index(idxCaseFiles).DeleteDocument(id, nil); err != nil {
		return fmt.Errorf("delete case file %s: %w", id, err)
	}
	return nil
}
