// Package search indexes case files in Meilisearch and answers case-file
// searches, falling back to Postgres when Meilisearch is unavailable.
package search

import (
	"strings"

	"arpentage/api/internal/casefile"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	FileNumber string `json:"fileNumber"`
	Label      string `json:"label"`
	Surveyor   string `json:"surveyor"`
	Status     string `json:"status"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Surveyor string
	Status   string
	Limit    int
	Offset   int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Record is the indexed form of a case file.
type Record struct {
	ID          string   `json:"id"`
	FileNumber  string   `json:"numero_dossier"`
	Label       string   `json:"label"`
	Surveyor    string   `json:"arpenteur"`
	Status      string   `json:"statut"`
	Description string   `json:"description"`
	Clients     []string `json:"clients"`
	Addresses   []string `json:"adresses"`
	Lots        []string `json:"lots"`
	Assignees   []string `json:"assignes"`
}

// NewRecord flattens a case file and its resolved client names for indexing.
func NewRecord(cf casefile.CaseFile, clientNames []string) Record {
	record := Record{
		ID:          cf.ID,
		FileNumber:  cf.FileNumber,
		Label:       casefile.Label(cf),
		Surveyor:    cf.Surveyor,
		Status:      string(cf.Status),
		Description: cf.Description,
		Clients:     nonNilStrings(clientNames),
		Addresses:   []string{},
		Lots:        []string{},
		Assignees:   []string{},
	}
	seen := map[string]bool{}
	for _, mandate := range cf.Mandates {
		if address := formatAddress(mandate.Address); address != "" && !seen["a:"+address] {
			seen["a:"+address] = true
			record.Addresses = append(record.Addresses, address)
		}
		for _, lot := range mandate.Lots {
			lot = strings.TrimSpace(lot)
			if lot != "" && !seen["l:"+lot] {
				seen["l:"+lot] = true
				record.Lots = append(record.Lots, lot)
			}
		}
		if assignee := strings.TrimSpace(mandate.Assignee()); assignee != "" && !seen["u:"+assignee] {
			seen["u:"+assignee] = true
			record.Assignees = append(record.Assignees, assignee)
		}
	}
	return record
}

func formatAddress(address casefile.Address) string {
	var civic []string
	for _, number := range address.CivicNumbers {
		if number = strings.TrimSpace(number); number != "" {
			civic = append(civic, number)
		}
	}
	parts := make([]string, 0, 3)
	street := strings.TrimSpace(strings.Join(civic, "-") + " " + strings.TrimSpace(address.Street))
	if street != "" {
		parts = append(parts, street)
	}
	if city := strings.TrimSpace(address.City); city != "" {
		parts = append(parts, city)
	}
	return strings.Join(parts, ", ")
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
