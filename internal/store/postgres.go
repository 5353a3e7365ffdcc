package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"arpentage/api/internal/casefile"
	"arpentage/api/internal/util"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetCaseFile(ctx context.Context, id string) (casefile.CaseFile, error) {
	var row caseFileRow
	err := s.db.GetContext(ctx, &row, `SELECT `+caseFileColumns+` FROM dossiers WHERE id=$1`, id)
	if err != nil {
		return casefile.CaseFile{}, fmt.Errorf("get case file %s: %w", id, err)
	}
	return row.caseFile(), nil
}

// UpdateCaseFile replaces the stored case file with form and returns the
// stored row.
func (s *PostgresStore) UpdateCaseFile(ctx context.Context, id string, form casefile.CaseFile) (casefile.CaseFile, error) {
	var row caseFileRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE dossiers SET
			numero_dossier=$2,
			arpenteur_geometre=$3,
			date_ouverture=$4,
			date_fermeture=$5,
			statut=$6,
			description=$7,
			clients_ids=$8,
			notaires_ids=$9,
			courtiers_ids=$10,
			mandats=$11,
			updated_at=NOW()
		WHERE id=$1
		RETURNING `+caseFileColumns,
		id, form.FileNumber, form.Surveyor, form.OpenedOn, form.ClosedOn, string(form.Status), form.Description,
		stringArray(form.ClientIDs), stringArray(form.NotaryIDs), stringArray(form.BrokerIDs), mandateList(form.Mandates),
	)
	if err != nil {
		return casefile.CaseFile{}, fmt.Errorf("update case file %s: %w", id, err)
	}
	return row.caseFile(), nil
}

func (s *PostgresStore) InsertCaseFile(ctx context.Context, cf casefile.CaseFile) (casefile.CaseFile, error) {
	if strings.TrimSpace(cf.ID) == "" {
		cf.ID = util.NewID("df")
	}
	if cf.Status == "" {
		cf.Status = casefile.StatusOpen
	}
	var row caseFileRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO dossiers (id, numero_dossier, arpenteur_geometre, date_ouverture, date_fermeture, statut,
			description, clients_ids, notaires_ids, courtiers_ids, mandats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+caseFileColumns,
		cf.ID, cf.FileNumber, cf.Surveyor, cf.OpenedOn, cf.ClosedOn, string(cf.Status), cf.Description,
		stringArray(cf.ClientIDs), stringArray(cf.NotaryIDs), stringArray(cf.BrokerIDs), mandateList(cf.Mandates),
	)
	if err != nil {
		return casefile.CaseFile{}, fmt.Errorf("insert case file: %w", err)
	}
	return row.caseFile(), nil
}

// ListCaseFiles returns case files matching filter, most recently updated
// first.
func (s *PostgresStore) ListCaseFiles(ctx context.Context, filter CaseFileFilter) ([]casefile.CaseFile, error) {
	var (
		where []string
		args  []any
	)
	arg := func(value any) string {
		args = append(args, value)
		return "$" + strconv.Itoa(len(args))
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		where = append(where, "statut="+arg(status))
	}
	if surveyor := strings.TrimSpace(filter.Surveyor); surveyor != "" {
		where = append(where, "arpenteur_geometre="+arg(surveyor))
	}
	if query := strings.TrimSpace(filter.Query); query != "" {
		pattern := arg("%" + query + "%")
		where = append(where, "(numero_dossier ILIKE "+pattern+" OR description ILIKE "+pattern+")")
	}

	query := `SELECT ` + caseFileColumns + ` FROM dossiers`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	var rows []caseFileRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list case files: %w", err)
	}
	items := make([]casefile.CaseFile, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.caseFile())
	}
	return items, nil
}

// AllCaseFiles returns every case file; the search index is rebuilt from it.
func (s *PostgresStore) AllCaseFiles(ctx context.Context) ([]casefile.CaseFile, error) {
	return s.ListCaseFiles(ctx, CaseFileFilter{})
}

// ListCaseFilesBySurveyor returns every case file of a surveyor; the minute
// uniqueness scan runs over it.
func (s *PostgresStore) ListCaseFilesBySurveyor(ctx context.Context, surveyor string) ([]casefile.CaseFile, error) {
	return s.ListCaseFiles(ctx, CaseFileFilter{Surveyor: surveyor})
}

func (s *PostgresStore) PartiesByIDs(ctx context.Context, ids []string) ([]casefile.Party, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []partyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, type_client, prenom, nom, nom_entreprise, courriel, telephone
		FROM clients
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list parties: %w", err)
	}
	parties := make([]casefile.Party, 0, len(rows))
	for _, row := range rows {
		parties = append(parties, row.party())
	}
	return parties, nil
}

func (s *PostgresStore) CreateNotification(ctx context.Context, notification casefile.Notification) error {
	if strings.TrimSpace(notification.ID) == "" {
		notification.ID = util.NewID("ntf")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_email, titre, message, type, dossier_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, notification.ID, notification.RecipientEmail, notification.Title, notification.Message, notification.Kind, notification.CaseFileID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnreadNotifications(ctx context.Context, recipientEmail string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items := make([]Notification, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT id, recipient_email, titre, message, type, dossier_id, read_at, created_at
		FROM notifications
		WHERE LOWER(recipient_email)=LOWER($1) AND read_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2
	`, recipientEmail, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead marks a notification of recipientEmail as read. It
// reports false when no unread notification matched.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id, recipientEmail string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at=NOW()
		WHERE id=$1 AND LOWER(recipient_email)=LOWER($2) AND read_at IS NULL
	`, id, recipientEmail)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, `SELECT id, email, display_name, role, created_at FROM users WHERE id=$1`, id)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, `SELECT id, email, display_name, role, created_at FROM users WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email))
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.GetContext(ctx, &revoked, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
