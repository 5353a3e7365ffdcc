package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"arpentage/api/internal/casefile"

	"github.com/jmoiron/sqlx"
)

// PgSearch answers searches with ILIKE over the dossiers table when
// Meilisearch is down.
type PgSearch struct {
	db *sqlx.DB
}

func NewPgSearch(db *sqlx.DB) *PgSearch {
	return &PgSearch{db: db}
}

type pgHit struct {
	ID          string `db:"id"`
	FileNumber  string `db:"numero_dossier"`
	Surveyor    string `db:"arpenteur_geometre"`
	Status      string `db:"statut"`
	Description string `db:"description"`
	Total       int    `db:"total"`
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}

	args := []any{"%" + escapeLike(text) + "%"}
	where := []string{`(numero_dossier ILIKE $1 OR description ILIKE $1 OR arpenteur_geometre ILIKE $1 OR mandats::text ILIKE $1)`}
	if surveyor := strings.TrimSpace(q.Surveyor); surveyor != "" {
		args = append(args, surveyor)
		where = append(where, "arpenteur_geometre = $"+strconv.Itoa(len(args)))
	}
	if status := strings.TrimSpace(q.Status); status != "" {
		args = append(args, status)
		where = append(where, "statut = $"+strconv.Itoa(len(args)))
	}
	args = append(args, q.limit(), q.offset())

	query := fmt.Sprintf(`
		SELECT id, numero_dossier, arpenteur_geometre, statut, description, COUNT(*) OVER() AS total
		FROM dossiers
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT $%d OFFSET $%d`, strings.Join(where, " AND "), len(args)-1, len(args))

	var hits []pgHit
	if err := p.db.SelectContext(ctx, &hits, query, args...); err != nil {
		return nil, 0, fmt.Errorf("pg search: %w", err)
	}
	results := make([]Result, 0, len(hits))
	total := 0
	for _, hit := range hits {
		total = hit.Total
		results = append(results, Result{
			ID:         hit.ID,
			FileNumber: hit.FileNumber,
			Label:      casefile.Label(casefile.CaseFile{FileNumber: hit.FileNumber, Surveyor: hit.Surveyor}),
			Surveyor:   hit.Surveyor,
			Status:     hit.Status,
			Snippet:    snippet(hit.Description, text),
		})
	}
	return results, total, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

// snippet returns up to 120 characters of text around the first match.
func snippet(text, term string) string {
	runes := []rune(text)
	if len(runes) <= 120 {
		return text
	}
	start := 0
	if at := strings.Index(strings.ToLower(text), strings.ToLower(term)); at >= 0 && at <= len(text) {
		start = len([]rune(text[:at])) - 40
		if start < 0 {
			start = 0
		}
	}
	end := start + 120
	if end > len(runes) {
		end = len(runes)
	}
	return strings.TrimSpace(string(runes[start:end]))
}
