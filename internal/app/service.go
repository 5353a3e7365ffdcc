package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"arpentage/api/internal/auth"
	"arpentage/api/internal/casefile"
	"arpentage/api/internal/config"
	"arpentage/api/internal/editsession"
	"arpentage/api/internal/history"
	"arpentage/api/internal/rbac"
	"arpentage/api/internal/search"
	"arpentage/api/internal/store"
	"arpentage/api/internal/util"

	"go.uber.org/zap"
)

type Session struct {
	Token     string
	UserID    string
	Email     string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

func (s Session) Actor() casefile.Actor {
	return casefile.Actor{Email: s.Email, DisplayName: s.UserName}
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetCaseFile(ctx context.Context, id string) (casefile.CaseFile, error)
	ListCaseFiles(ctx context.Context, filter store.CaseFileFilter) ([]casefile.CaseFile, error)
	ListUnreadNotifications(ctx context.Context, recipientEmail string, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, id, recipientEmail string) (bool, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type editSessions interface {
	Open(ctx context.Context, caseFileID string, actor casefile.Actor) (*editsession.Session, error)
	Get(id string) (*editsession.Session, error)
}

type historyService interface {
	History(caseFileID string, limit int) ([]history.Entry, error)
	SnapshotAt(caseFileID, hash string) (casefile.CaseFile, error)
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Service struct {
	cfg     config.Config
	store   dataStore
	edits   editSessions
	history historyService
	search  searchService
	logger  *zap.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, edits *editsession.Manager, recorder *history.Recorder, searcher *search.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		edits:   edits,
		history: recorder,
		search:  searcher,
		logger:  logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login issues an access token for a known user. Password checks happen
// upstream of this service.
func (s *Service) Login(ctx context.Context, email string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, domainError(http.StatusUnauthorized, "UNKNOWN_USER", "Unknown user", nil)
		}
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	now := time.Now()
	jti := util.NewID("jti")
	claims := auth.NewClaims(user.ID, user.Email, user.DisplayName, user.Role, jti, now, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       jti,
		ExpiresAt: claims.ExpiresAtTime(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAtTime(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		return nil
	}
	return s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) ListCaseFiles(ctx context.Context, filter store.CaseFileFilter) ([]casefile.CaseFile, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Status != "" && !casefile.ValidStatus(casefile.Status(filter.Status)) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status", map[string]any{"statut": filter.Status})
	}
	return s.store.ListCaseFiles(ctx, filter)
}

func (s *Service) GetCaseFile(ctx context.Context, id string) (casefile.CaseFile, error) {
	return s.store.GetCaseFile(ctx, id)
}

func (s *Service) CaseFileHistory(ctx context.Context, id string, limit int) ([]history.Entry, error) {
	if _, err := s.store.GetCaseFile(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.history.History(id, limit)
}

func (s *Service) CaseFileSnapshot(id, hash string) (casefile.CaseFile, error) {
	return s.history.SnapshotAt(id, hash)
}

func (s *Service) OpenEditSession(ctx context.Context, caseFileID string, session Session) (editsession.View, error) {
	edit, err := s.edits.Open(ctx, caseFileID, session.Actor())
	if err != nil {
		return editsession.View{}, err
	}
	return edit.View(), nil
}

// editSession returns the edit session id when it belongs to session's user.
func (s *Service) editSession(id string, session Session) (*editsession.Session, error) {
	edit, err := s.edits.Get(id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(edit.Actor().Email, session.Email) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Edit session belongs to another user", nil)
	}
	return edit, nil
}

func (s *Service) EditSessionView(id string, session Session) (editsession.View, error) {
	edit, err := s.editSession(id, session)
	if err != nil {
		return editsession.View{}, err
	}
	return edit.View(), nil
}

func (s *Service) UpdateField(id string, session Session, path string, value any) (editsession.View, error) {
	edit, err := s.editSession(id, session)
	if err != nil {
		return editsession.View{}, err
	}
	if err := edit.UpdateField(path, value); err != nil {
		return editsession.View{}, err
	}
	return edit.View(), nil
}

func (s *Service) AddMandate(id string, session Session) (casefile.Mandate, editsession.View, error) {
	edit, err := s.editSession(id, session)
	if err != nil {
		return casefile.Mandate{}, editsession.View{}, err
	}
	mandate, err := edit.AddMandate()
	if err != nil {
		return casefile.Mandate{}, editsession.View{}, err
	}
	return mandate, edit.View(), nil
}

func (s *Service) RemoveMandate(id string, session Session, index int, confirmed bool) (editsession.View, error) {
	edit, err := s.editSession(id, session)
	if err != nil {
		return editsession.View{}, err
	}
	if err := edit.RemoveMandate(index, confirmed); err != nil {
		return editsession.View{}, err
	}
	return edit.View(), nil
}

func (s *Service) AddMinute(ctx context.Context, id string, session Session, index int, minute casefile.Minute) (editsession.View, error) {
	edit, err := s.editSession(id, session)
	if err != nil {
		return editsession.View{}, err
	}
	if err := edit.AddMinute(ctx, index, minute); err != nil {
		return editsession.View{}, err
	}
	return edit.View(), nil
}

func (s *Service) RequestClose(id string, session Session) (editsession.State, error) {
	edit, err := s.editSession(id, session)
	if err != nil {
		return "", err
	}
	return edit.RequestClose(), nil
}

func (s *Service) ConfirmDiscard(id string, session Session) error {
	edit, err := s.editSession(id, session)
	if err != nil {
		return err
	}
	return edit.ConfirmDiscard()
}

func (s *Service) CancelClose(id string, session Session) (editsession.View, error) {
	edit, err := s.editSession(id, session)
	if err != nil {
		return editsession.View{}, err
	}
	if _, err := edit.CancelClose(); err != nil {
		return editsession.View{}, err
	}
	return edit.View(), nil
}

func (s *Service) SaveAndClose(ctx context.Context, id string, session Session) error {
	edit, err := s.editSession(id, session)
	if err != nil {
		return err
	}
	if err := edit.CloseAfterSave(ctx); err != nil {
		return fmt.Errorf("save and close: %w", err)
	}
	return nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

func (s *Service) ListNotifications(ctx context.Context, session Session, limit int) ([]store.Notification, error) {
	return s.store.ListUnreadNotifications(ctx, session.Email, limit)
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, id string) error {
	ok, err := s.store.MarkNotificationRead(ctx, id, session.Email)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Notification not found", nil)
	}
	return nil
}

