package editsession

import (
	"context"
	"errors"
	"testing"

	"arpentage/api/internal/casefile"
)

func newTestManager(gateway *fakeGateway) (*Manager, *manualClock) {
	clock := &manualClock{}
	return NewManager(gateway, Options{AfterFunc: clock.AfterFunc}), clock
}

func TestManagerOpenReusesSessionForSameActor(t *testing.T) {
	gateway := &fakeGateway{caseFiles: map[string]casefile.CaseFile{"df_1": sampleCaseFile()}}
	manager, _ := newTestManager(gateway)

	first, err := manager.Open(context.Background(), "df_1", testActor)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	second, err := manager.Open(context.Background(), "df_1", casefile.Actor{Email: "LUC@x.com"})
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if first != second {
		t.Fatal("expected the same session for the same actor")
	}

	if _, err := manager.Open(context.Background(), "df_1", casefile.Actor{Email: "other@x.com"}); !errors.Is(err, ErrCaseFileLocked) {
		t.Fatalf("Open() by another actor error = %v", err)
	}

	got, err := manager.Get(first.ID())
	if err != nil || got != first {
		t.Fatalf("Get() = %v, %v", got, err)
	}
}

func TestManagerForgetsClosedSessions(t *testing.T) {
	gateway := &fakeGateway{caseFiles: map[string]casefile.CaseFile{"df_1": sampleCaseFile()}}
	manager, _ := newTestManager(gateway)

	session, err := manager.Open(context.Background(), "df_1", testActor)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if state := session.RequestClose(); state != StateClosed {
		t.Fatalf("RequestClose() = %s", state)
	}
	if _, err := manager.Get(session.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get() after close error = %v", err)
	}

	reopened, err := manager.Open(context.Background(), "df_1", casefile.Actor{Email: "other@x.com"})
	if err != nil {
		t.Fatalf("Open() after close error = %v", err)
	}
	if reopened == session {
		t.Fatal("expected a new session after close")
	}
}

func TestManagerOpenUnknownCaseFile(t *testing.T) {
	manager, _ := newTestManager(&fakeGateway{})
	if _, err := manager.Open(context.Background(), "missing", testActor); err == nil {
		t.Fatal("expected an error for an unknown case file")
	}
	if len(manager.Sessions()) != 0 {
		t.Fatal("failed open must not register a session")
	}
}

func TestManagerCloseAllFlushesPendingEdits(t *testing.T) {
	second := sampleCaseFile()
	second.ID = "df_2"
	gateway := &fakeGateway{caseFiles: map[string]casefile.CaseFile{"df_1": sampleCaseFile(), "df_2": second}}
	manager, clock := newTestManager(gateway)

	dirty, err := manager.Open(context.Background(), "df_1", testActor)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := manager.Open(context.Background(), "df_2", testActor); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := dirty.UpdateField("description", "flush me"); err != nil {
		t.Fatalf("UpdateField() error = %v", err)
	}

	if err := manager.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	saved := gateway.saved()
	if len(saved) != 1 || saved[0].ID != "df_1" || saved[0].Description != "flush me" {
		t.Fatalf("saves = %+v", saved)
	}
	if len(manager.Sessions()) != 0 || clock.armed() != 0 {
		t.Fatalf("sessions = %d armed = %d", len(manager.Sessions()), clock.armed())
	}
}
