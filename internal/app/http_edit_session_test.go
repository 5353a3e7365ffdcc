package app

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"arpentage/api/internal/casefile"
)

func openEditSession(t *testing.T, server *HTTPServer, token string) string {
	t.Helper()
	rr := serve(t, server, http.MethodPost, "/api/dossiers/df_1/edit", token, "")
	expectStatus(t, rr, http.StatusOK)
	id, _ := decodeResponse(t, rr)["id"].(string)
	if id == "" {
		t.Fatalf("expected edit session id, body=%s", rr.Body.String())
	}
	return id
}

func TestEditSessionLifecycle(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*", nil, nil)
	token := tokenFor(t, svc, "usr_luc")
	id := openEditSession(t, server, token)
	base := "/api/edit-sessions/" + id

	rr := serve(t, server, http.MethodPatch, base+"/fields", token, `{"path":"description","value":"Certificat de localisation"}`)
	expectStatus(t, rr, http.StatusOK)
	view := decodeResponse(t, rr)
	if view["dirty"] != true || view["state"] != "dirty" {
		t.Fatalf("expected dirty session, got %v", view)
	}

	rr = serve(t, server, http.MethodPost, base+"/close", token, "")
	expectStatus(t, rr, http.StatusOK)
	if state := decodeResponse(t, rr)["state"]; state != "confirming_close" {
		t.Fatalf("expected confirming_close, got %v", state)
	}

	rr = serve(t, server, http.MethodPatch, base+"/fields", token, `{"path":"description","value":"autre"}`)
	expectCode(t, rr, http.StatusConflict, "CLOSE_PENDING")

	rr = serve(t, server, http.MethodPost, base+"/close/cancel", token, "")
	expectStatus(t, rr, http.StatusOK)
	if state := decodeResponse(t, rr)["state"]; state != "dirty" {
		t.Fatalf("expected dirty after cancel, got %v", state)
	}

	rr = serve(t, server, http.MethodPost, base+"/save-and-close", token, "")
	expectStatus(t, rr, http.StatusOK)

	saved := fs.saved()
	if len(saved) != 1 || saved[0].Description != "Certificat de localisation" {
		t.Fatalf("expected one save with the edit, got %+v", saved)
	}
	expectCode(t, serve(t, server, http.MethodGet, base, token, ""), http.StatusNotFound, "EDIT_SESSION_NOT_FOUND")
}

func TestEditSessionDiscard(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*", nil, nil)
	token := tokenFor(t, svc, "usr_luc")
	base := "/api/edit-sessions/" + openEditSession(t, server, token)

	expectCode(t, serve(t, server, http.MethodPost, base+"/close/confirm", token, ""), http.StatusConflict, "NO_CLOSE_REQUEST")

	expectStatus(t, serve(t, server, http.MethodPatch, base+"/fields", token, `{"path":"description","value":"brouillon"}`), http.StatusOK)
	expectStatus(t, serve(t, server, http.MethodPost, base+"/close", token, ""), http.StatusOK)
	rr := serve(t, server, http.MethodPost, base+"/close/confirm", token, "")
	expectStatus(t, rr, http.StatusOK)
	if state := decodeResponse(t, rr)["state"]; state != "closed" {
		t.Fatalf("expected closed, got %v", state)
	}

	if saved := fs.saved(); len(saved) != 0 {
		t.Fatalf("discard must not save, got %+v", saved)
	}
}

func TestCleanSessionClosesImmediately(t *testing.T) {
	svc := newTestService(newFakeStore())
	server := NewHTTPServer(svc, "*", nil, nil)
	token := tokenFor(t, svc, "usr_luc")
	base := "/api/edit-sessions/" + openEditSession(t, server, token)

	rr := serve(t, server, http.MethodPost, base+"/close", token, "")
	expectStatus(t, rr, http.StatusOK)
	if state := decodeResponse(t, rr)["state"]; state != "closed" {
		t.Fatalf("expected closed, got %v", state)
	}
}

func TestSaveAndCloseFailureKeepsSessionOpen(t *testing.T) {
	fs := newFakeStore()
	fs.updateFn = func(context.Context, string, casefile.CaseFile) (casefile.CaseFile, error) {
		return casefile.CaseFile{}, errors.New("upstream unavailable")
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*", nil, nil)
	token := tokenFor(t, svc, "usr_luc")
	base := "/api/edit-sessions/" + openEditSession(t, server, token)

	expectStatus(t, serve(t, server, http.MethodPatch, base+"/fields", token, `{"path":"description","value":"x"}`), http.StatusOK)
	expectCode(t, serve(t, server, http.MethodPost, base+"/save-and-close", token, ""), http.StatusBadGateway, "SAVE_FAILED")

	rr := serve(t, server, http.MethodGet, base, token, "")
	expectStatus(t, rr, http.StatusOK)
	view := decodeResponse(t, rr)
	if view["dirty"] != true || view["lastError"] == nil {
		t.Fatalf("expected dirty session with last error, got %v", view)
	}
}

func TestEditSessionRejectsInvalidField(t *testing.T) {
	svc := newTestService(newFakeStore())
	server := NewHTTPServer(svc, "*", nil, nil)
	token := tokenFor(t, svc, "usr_luc")
	base := "/api/edit-sessions/" + openEditSession(t, server, token)

	rr := serve(t, server, http.MethodPatch, base+"/fields", token, `{"path":"id","value":"df_2"}`)
	expectCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	if msg := decodeResponse(t, rr)["error"]; msg != `field "id" is not editable` {
		t.Fatalf("unexpected message: %v", msg)
	}
}

func TestCaseFileLockedForSecondUser(t *testing.T) {
	svc := newTestService(newFakeStore())
	server := NewHTTPServer(svc, "*", nil, nil)
	julie := tokenFor(t, svc, "usr_julie")
	luc := tokenFor(t, svc, "usr_luc")
	id := openEditSession(t, server, julie)

	expectCode(t, serve(t, server, http.MethodPost, "/api/dossiers/df_1/edit", luc, ""), http.StatusLocked, "CASE_FILE_LOCKED")
	expectCode(t, serve(t, server, http.MethodGet, "/api/edit-sessions/"+id, luc, ""), http.StatusForbidden, "FORBIDDEN")

	if again := openEditSession(t, server, julie); again != id {
		t.Fatalf("expected the same session on reopen, got %s and %s", id, again)
	}
}

func TestViewerCannotEdit(t *testing.T) {
	svc := newTestService(newFakeStore())
	server := NewHTTPServer(svc, "*", nil, nil)

	expectCode(t, serve(t, server, http.MethodPost, "/api/dossiers/df_1/edit", tokenFor(t, svc, "usr_eve"), ""), http.StatusForbidden, "FORBIDDEN")
}

func TestMandateOperations(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*", nil, nil)
	julie := tokenFor(t, svc, "usr_julie")
	base := "/api/edit-sessions/" + openEditSession(t, server, julie)

	rr := serve(t, server, http.MethodPost, base+"/mandats", julie, "")
	expectStatus(t, rr, http.StatusCreated)
	mandate, _ := decodeResponse(t, rr)["mandat"].(map[string]any)
	if id, _ := mandate["id"].(string); id == "" {
		t.Fatalf("expected new mandate id, got %v", mandate)
	}

	expectCode(t, serve(t, server, http.MethodDelete, base+"/mandats/1", julie, ""), http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	expectCode(t, serve(t, server, http.MethodDelete, base+"/mandats/x?confirm=true", julie, ""), http.StatusBadRequest, "INVALID_INDEX")

	rr = serve(t, server, http.MethodDelete, base+"/mandats/1?confirm=true", julie, "")
	expectStatus(t, rr, http.StatusOK)
	current, _ := decodeResponse(t, rr)["current"].(map[string]any)
	if mandates, _ := current["mandats"].([]any); len(mandates) != 1 {
		t.Fatalf("expected one mandate left, got %v", current["mandats"])
	}
}

func TestTechnicianCannotRemoveMandateOrAddMinute(t *testing.T) {
	svc := newTestService(newFakeStore())
	server := NewHTTPServer(svc, "*", nil, nil)
	luc := tokenFor(t, svc, "usr_luc")
	base := "/api/edit-sessions/" + openEditSession(t, server, luc)

	expectCode(t, serve(t, server, http.MethodDelete, base+"/mandats/0?confirm=true", luc, ""), http.StatusForbidden, "FORBIDDEN")
	expectCode(t, serve(t, server, http.MethodPost, base+"/mandats/0/minutes", luc, `{"minute":"12 345"}`), http.StatusForbidden, "FORBIDDEN")
}

func TestAddMinuteChecksUniqueness(t *testing.T) {
	fs := newFakeStore()
	other := sampleCaseFile()
	other.ID = "df_2"
	other.FileNumber = "1043"
	other.Mandates[0].Minutes = []casefile.Minute{{Number: "9 001"}}
	fs.caseFiles["df_2"] = other
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*", nil, nil)
	julie := tokenFor(t, svc, "usr_julie")
	base := "/api/edit-sessions/" + openEditSession(t, server, julie)

	rr := serve(t, server, http.MethodPost, base+"/mandats/0/minutes", julie, `{"minute":"9 002","date_minute":"2026-10-01","type_minute":"Certificat"}`)
	expectStatus(t, rr, http.StatusCreated)

	expectCode(t, serve(t, server, http.MethodPost, base+"/mandats/0/minutes", julie, `{"minute":"9 002"}`), http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	expectCode(t, serve(t, server, http.MethodPost, base+"/mandats/0/minutes", julie, `{"minute":"9 001"}`), http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}
