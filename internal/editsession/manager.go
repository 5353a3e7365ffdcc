package editsession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"arpentage/api/internal/casefile"

	"go.uber.org/zap"
)

// Manager keeps at most one open session per case file.
type Manager struct {
	gateway Gateway
	opts    Options

	mu         sync.Mutex
	byID       map[string]*Session
	byCaseFile map[string]*Session
}

func NewManager(gateway Gateway, opts Options) *Manager {
	return &Manager{
		gateway:    gateway,
		opts:       opts.withDefaults(),
		byID:       map[string]*Session{},
		byCaseFile: map[string]*Session{},
	}
}

// Open returns the actor's open session on the case file, loading the case
// file into a new session when there is none. A case file already opened by
// another actor is refused with ErrCaseFileLocked.
func (m *Manager) Open(ctx context.Context, caseFileID string, actor casefile.Actor) (*Session, error) {
	caseFileID = strings.TrimSpace(caseFileID)
	if existing, err := m.existing(caseFileID, actor); existing != nil || err != nil {
		return existing, err
	}

	cf, err := m.gateway.GetCaseFile(ctx, caseFileID)
	if err != nil {
		return nil, fmt.Errorf("load case file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.byCaseFile[caseFileID]; ok && current.State() != StateClosed {
		if !sameActor(current.Actor(), actor) {
			return nil, ErrCaseFileLocked
		}
		return current, nil
	}
	session := New(cf, actor, m.gateway, m.opts)
	session.onClose = m.forget
	m.byID[session.ID()] = session
	m.byCaseFile[caseFileID] = session
	m.opts.Logger.Info("edit session opened",
		zap.String("edit_session_id", session.ID()),
		zap.String("case_file_id", caseFileID),
		zap.String("actor", actor.Email),
	)
	return session, nil
}

func (m *Manager) existing(caseFileID string, actor casefile.Actor) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.byCaseFile[caseFileID]
	if !ok || current.State() == StateClosed {
		return nil, nil
	}
	if !sameActor(current.Actor(), actor) {
		return nil, ErrCaseFileLocked
	}
	return current, nil
}

func sameActor(a, b casefile.Actor) bool {
	return strings.EqualFold(strings.TrimSpace(a.Email), strings.TrimSpace(b.Email))
}

// Get returns an open session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	session, ok := m.byID[id]
	m.mu.Unlock()
	if !ok || session.State() == StateClosed {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Sessions lists the open sessions ordered by case-file id.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, session := range m.byID {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CaseFileID() < sessions[j].CaseFileID()
	})
	return sessions
}

func (m *Manager) forget(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID[session.ID()] == session {
		delete(m.byID, session.ID())
	}
	caseFileID := session.CaseFileID()
	if m.byCaseFile[caseFileID] == session {
		delete(m.byCaseFile, caseFileID)
	}
}

// CloseAll saves and closes every open session. It is used on shutdown so
// pending edits are flushed rather than dropped.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, session := range m.Sessions() {
		if err := session.CloseAfterSave(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
			errs = append(errs, fmt.Errorf("close edit session %s: %w", session.ID(), err))
		}
	}
	return errors.Join(errs...)
}
