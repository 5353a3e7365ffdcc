package casefile

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Normalize returns a copy of cf with every form default materialized:
// lists are non-nil, each mandate has a stable id and its work address has
// at least one civic-number slot.
func Normalize(cf CaseFile) CaseFile {
	out := Clone(cf)
	out.ClientIDs = nonNilStrings(out.ClientIDs)
	out.NotaryIDs = nonNilStrings(out.NotaryIDs)
	out.BrokerIDs = nonNilStrings(out.BrokerIDs)
	if out.Mandates == nil {
		out.Mandates = []Mandate{}
	}
	for i := range out.Mandates {
		out.Mandates[i] = normalizeMandate(out.Mandates[i], legacyMandateID(out.ID, i))
	}
	return out
}

// legacyMandateID derives a deterministic id for mandates persisted before
// mandates carried one, so loading the same case file twice is stable.
func legacyMandateID(caseFileID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/mandat/%d", caseFileID, index))).String()
}

func normalizeMandate(m Mandate, fallbackID string) Mandate {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = fallbackID
	}
	if len(m.Address.CivicNumbers) == 0 {
		m.Address.CivicNumbers = []string{""}
	}
	m.Lots = nonNilStrings(m.Lots)
	if m.Minutes == nil {
		m.Minutes = []Minute{}
	}
	if m.Invoices == nil {
		m.Invoices = []Invoice{}
	}
	return m
}

// NewMandate returns an empty mandate with form defaults. When template is
// non-nil its work address and lots are inherited.
func NewMandate(template *Mandate) Mandate {
	m := Mandate{
		ID:       uuid.NewString(),
		Address:  Address{CivicNumbers: []string{""}},
		Lots:     []string{},
		Minutes:  []Minute{},
		Invoices: []Invoice{},
	}
	if template != nil {
		m.Address = template.Address
		m.Address.CivicNumbers = cloneStrings(template.Address.CivicNumbers)
		if len(m.Address.CivicNumbers) == 0 {
			m.Address.CivicNumbers = []string{""}
		}
		m.Lots = nonNilStrings(cloneStrings(template.Lots))
	}
	return m
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func joinNonBlank(sep string, values ...string) string {
	parts := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, sep)
}
