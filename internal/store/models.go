package store

import (
	"database/sql/driver"
	"fmt"
	"time"

	"arpentage/api/internal/casefile"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"
)

type User struct {
	ID          string    `db:"id"`
	Email       string    `db:"email"`
	DisplayName string    `db:"display_name"`
	Role        string    `db:"role"`
	CreatedAt   time.Time `db:"created_at"`
}

// mandateList is the JSONB encoding of a case file's mandates.
type mandateList []casefile.Mandate

func (m mandateList) Value() (driver.Value, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	raw, err := json.Marshal([]casefile.Mandate(m))
	if err != nil {
		return nil, fmt.Errorf("encode mandats: %w", err)
	}
	return raw, nil
}

func (m *mandateList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = mandateList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("decode mandats: unsupported type %T", src)
	}
	var decoded []casefile.Mandate
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode mandats: %w", err)
	}
	*m = decoded
	return nil
}

type caseFileRow struct {
	ID          string         `db:"id"`
	FileNumber  string         `db:"numero_dossier"`
	Surveyor    string         `db:"arpenteur_geometre"`
	OpenedOn    string         `db:"date_ouverture"`
	ClosedOn    string         `db:"date_fermeture"`
	Status      string         `db:"statut"`
	Description string         `db:"description"`
	ClientIDs   pq.StringArray `db:"clients_ids"`
	NotaryIDs   pq.StringArray `db:"notaires_ids"`
	BrokerIDs   pq.StringArray `db:"courtiers_ids"`
	Mandates    mandateList    `db:"mandats"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

const caseFileColumns = `id, numero_dossier, arpenteur_geometre, date_ouverture, date_fermeture, statut,
	description, clients_ids, notaires_ids, courtiers_ids, mandats, updated_at`

func (r caseFileRow) caseFile() casefile.CaseFile {
	return casefile.CaseFile{
		ID:          r.ID,
		FileNumber:  r.FileNumber,
		Surveyor:    r.Surveyor,
		OpenedOn:    r.OpenedOn,
		ClosedOn:    r.ClosedOn,
		Status:      casefile.Status(r.Status),
		Description: r.Description,
		ClientIDs:   []string(r.ClientIDs),
		NotaryIDs:   []string(r.NotaryIDs),
		BrokerIDs:   []string(r.BrokerIDs),
		Mandates:    []casefile.Mandate(r.Mandates),
	}
}

func stringArray(values []string) pq.StringArray {
	if values == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(values)
}

type partyRow struct {
	ID          string `db:"id"`
	Kind        string `db:"type_client"`
	FirstName   string `db:"prenom"`
	LastName    string `db:"nom"`
	CompanyName string `db:"nom_entreprise"`
	Email       string `db:"courriel"`
	Phone       string `db:"telephone"`
}

func (r partyRow) party() casefile.Party {
	return casefile.Party{
		ID:          r.ID,
		Kind:        r.Kind,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		CompanyName: r.CompanyName,
		Email:       r.Email,
		Phone:       r.Phone,
	}
}

// Notification is an in-app notification row.
type Notification struct {
	ID             string     `db:"id" json:"id"`
	RecipientEmail string     `db:"recipient_email" json:"recipientEmail"`
	Title          string     `db:"titre" json:"title"`
	Message        string     `db:"message" json:"message"`
	Kind           string     `db:"type" json:"kind"`
	CaseFileID     string     `db:"dossier_id" json:"caseFileId"`
	ReadAt         *time.Time `db:"read_at" json:"readAt,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
}

// CaseFileFilter narrows ListCaseFiles. Zero fields do not filter.
type CaseFileFilter struct {
	Status   string
	Surveyor string
	Query    string
	Limit    int
}
