package app

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"arpentage/api/internal/casefile"
	"arpentage/api/internal/config"
	"arpentage/api/internal/editsession"
	"arpentage/api/internal/history"
	"arpentage/api/internal/search"
	"arpentage/api/internal/store"

	json "github.com/goccy/go-json"
)

type fakeStore struct {
	mu sync.Mutex

	caseFiles map[string]casefile.CaseFile
	users     map[string]store.User
	revoked   map[string]bool
	updates   []casefile.CaseFile

	pingFn          func(context.Context) error
	listCaseFilesFn func(context.Context, store.CaseFileFilter) ([]casefile.CaseFile, error)
	updateFn        func(context.Context, string, casefile.CaseFile) (casefile.CaseFile, error)
	notificationsFn func(context.Context, string, int) ([]store.Notification, error)
	markReadFn      func(context.Context, string, string) (bool, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		caseFiles: map[string]casefile.CaseFile{"df_1": sampleCaseFile()},
		users: map[string]store.User{
			"usr_julie": {ID: "usr_julie", Email: "julie@arpentage.test", DisplayName: "Julie Tremblay", Role: "arpenteur"},
			"usr_luc":   {ID: "usr_luc", Email: "luc@arpentage.test", DisplayName: "Luc Bouchard", Role: "technicien"},
			"usr_eve":   {ID: "usr_eve", Email: "eve@arpentage.test", DisplayName: "Eve Gagnon", Role: "lecture"},
		},
		revoked: map[string]bool{},
	}
}

func sampleCaseFile() casefile.CaseFile {
	return casefile.CaseFile{
		ID:         "df_1",
		FileNumber: "1042",
		Surveyor:   "Julie Tremblay",
		Status:     casefile.StatusOpen,
		Mandates: []casefile.Mandate{
			{ID: "m_1", CurrentTask: casefile.TaskOpening, Lots: []string{"1 234 567"}},
		},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetCaseFile(_ context.Context, id string) (casefile.CaseFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cf, ok := f.caseFiles[id]
	if !ok {
		return casefile.CaseFile{}, fmt.Errorf("get case file: %w", sql.ErrNoRows)
	}
	return casefile.Clone(cf), nil
}

func (f *fakeStore) UpdateCaseFile(ctx context.Context, id string, form casefile.CaseFile) (casefile.CaseFile, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, id, form)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caseFiles[id] = casefile.Clone(form)
	f.updates = append(f.updates, casefile.Clone(form))
	return casefile.Clone(form), nil
}

func (f *fakeStore) ListCaseFilesBySurveyor(_ context.Context, surveyor string) ([]casefile.CaseFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []casefile.CaseFile
	for _, cf := range f.caseFiles {
		if cf.Surveyor == surveyor {
			out = append(out, casefile.Clone(cf))
		}
	}
	return out, nil
}

func (f *fakeStore) ListCaseFiles(ctx context.Context, filter store.CaseFileFilter) ([]casefile.CaseFile, error) {
	if f.listCaseFilesFn != nil {
		return f.listCaseFilesFn(ctx, filter)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []casefile.CaseFile{}
	for _, cf := range f.caseFiles {
		out = append(out, cf)
	}
	return out, nil
}

func (f *fakeStore) ListUnreadNotifications(ctx context.Context, recipientEmail string, limit int) ([]store.Notification, error) {
	if f.notificationsFn != nil {
		return f.notificationsFn(ctx, recipientEmail, limit)
	}
	return []store.Notification{}, nil
}

func (f *fakeStore) MarkNotificationRead(ctx context.Context, id, recipientEmail string) (bool, error) {
	if f.markReadFn != nil {
		return f.markReadFn(ctx, id, recipientEmail)
	}
	return false, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := f.users[id]
	if !ok {
		return store.User{}, fmt.Errorf("get user: %w", sql.ErrNoRows)
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, fmt.Errorf("get user by email: %w", sql.ErrNoRows)
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) saved() []casefile.CaseFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]casefile.CaseFile(nil), f.updates...)
}

type fakeHistory struct {
	historyFn  func(string, int) ([]history.Entry, error)
	snapshotFn func(string, string) (casefile.CaseFile, error)
}

func (f *fakeHistory) History(caseFileID string, limit int) ([]history.Entry, error) {
	if f.historyFn != nil {
		return f.historyFn(caseFileID, limit)
	}
	return []history.Entry{}, nil
}

func (f *fakeHistory) SnapshotAt(caseFileID, hash string) (casefile.CaseFile, error) {
	if f.snapshotFn != nil {
		return f.snapshotFn(caseFileID, hash)
	}
	return casefile.CaseFile{}, history.ErrNoHistory
}

type fakeSearch struct {
	queries []search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{}, Engine: "postgres"}
}

// idleTimer never fires; autosave only runs through save-and-close.
type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

func idleAfterFunc(time.Duration, func()) editsession.Timer { return idleTimer{} }

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:     config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour},
		store:   fs,
		edits:   editsession.NewManager(fs, editsession.Options{AfterFunc: idleAfterFunc}),
		history: &fakeHistory{},
		search:  &fakeSearch{},
	}
}

func tokenFor(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	user, err := svc.store.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("lookup user %s: %v", userID, err)
	}
	session, err := svc.issueSession(user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}

func serve(t *testing.T, server *HTTPServer, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
}

func expectCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rr, status)
	if got := decodeResponse(t, rr)["code"]; got != code {
		t.Fatalf("expected code %s, got %v", code, got)
	}
}

func newRequest(method, target string) *http.Request {
	return httptest.NewRequest(method, target, nil)
}

func record(server *HTTPServer, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}
