// Package editsession binds a case-file edit document to its autosave loop
// and close guard.
package editsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"arpentage/api/internal/casefile"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last edit before a save.
const DefaultDebounce = 300 * time.Millisecond

// State is the close-guard state of a session.
type State string

const (
	StateClean           State = "clean"
	StateDirty           State = "dirty"
	StateConfirmingClose State = "confirming_close"
	StateClosed          State = "closed"
)

var (
	ErrSessionNotFound = errors.New("edit session not found")
	ErrSessionClosed   = errors.New("edit session closed")
	ErrClosePending    = errors.New("edit session close pending")
	ErrNoCloseRequest  = errors.New("no close request to answer")
	ErrCaseFileLocked  = errors.New("case file is being edited by another user")
)

// Gateway is the remote case-file store.
type Gateway interface {
	GetCaseFile(ctx context.Context, id string) (casefile.CaseFile, error)
	UpdateCaseFile(ctx context.Context, id string, form casefile.CaseFile) (casefile.CaseFile, error)
	ListCaseFilesBySurveyor(ctx context.Context, surveyor string) ([]casefile.CaseFile, error)
}

// Notifier derives notifications from a successful save.
type Notifier interface {
	Notify(ctx context.Context, previous, next casefile.CaseFile, actor casefile.Actor) (int, error)
}

// SaveObserver is told about every successful save. Observers must not
// block for long; failures are theirs to report.
type SaveObserver interface {
	CaseFileSaved(ctx context.Context, saved casefile.CaseFile, actor casefile.Actor)
}

// MinuteReserver holds minute numbers between the uniqueness scan and the
// save that persists them.
type MinuteReserver interface {
	Reserve(ctx context.Context, surveyor, minute, holder string) (bool, error)
	Release(ctx context.Context, surveyor, minute, holder string) error
}

// Timer is the handle of a pending debounce window.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Options struct {
	Debounce  time.Duration
	AfterFunc AfterFunc
	Notifier  Notifier
	Reserver  MinuteReserver
	Observers []SaveObserver
	Logger    *zap.Logger
	Metrics   *Metrics
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.AfterFunc == nil {
		o.AfterFunc = realAfterFunc
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Session is one open edit of one case file by one actor.
type Session struct {
	id      string
	actor   casefile.Actor
	gateway Gateway
	opts    Options
	logger  *zap.Logger
	onClose func(*Session)

	mu          sync.Mutex
	doc         *casefile.Document
	confirming  bool
	flushing    bool
	closed      bool
	timer       Timer
	timerGen    uint64
	saving      bool
	queued      bool
	saveDone    chan struct{}
	lastSavedAt time.Time
	lastErr     error
	reserved    []reservedMinute
}

type reservedMinute struct {
	surveyor string
	number   string
}

// New opens a session on cf for actor.
func New(cf casefile.CaseFile, actor casefile.Actor, gateway Gateway, opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	s := &Session{
		id:      id,
		actor:   actor,
		gateway: gateway,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("edit_session_id", id), zap.String("case_file_id", cf.ID)),
		doc:     casefile.NewDocument(cf),
	}
	opts.Metrics.sessionOpened()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Actor() casefile.Actor {
	return s.actor
}

func (s *Session) CaseFileID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.ID()
}

// View is a point-in-time description of a session.
type View struct {
	ID               string            `json:"id"`
	CaseFileID       string            `json:"caseFileId"`
	State            State             `json:"state"`
	Dirty            bool              `json:"dirty"`
	Saving           bool              `json:"saving"`
	Current          casefile.CaseFile `json:"current"`
	MissingAssignees []int             `json:"missingAssignees"`
	LastSavedAt      *time.Time        `json:"lastSavedAt,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.doc.Current()
	view := View{
		ID:               s.id,
		CaseFileID:       current.ID,
		State:            s.stateLocked(),
		Dirty:            s.doc.Dirty(),
		Saving:           s.saving,
		Current:          current,
		MissingAssignees: casefile.MissingAssignees(current),
	}
	if !s.lastSavedAt.IsZero() {
		savedAt := s.lastSavedAt
		view.LastSavedAt = &savedAt
	}
	if s.lastErr != nil {
		view.LastError = s.lastErr.Error()
	}
	return view
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.closed:
		return StateClosed
	case s.confirming:
		return StateConfirmingClose
	case s.doc.Dirty():
		return StateDirty
	default:
		return StateClean
	}
}

// Current returns a copy of the working document.
func (s *Session) Current() casefile.CaseFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Current()
}

func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Dirty()
}

// editableLocked rejects edits once closed, while the discard prompt is
// open, and while CloseAfterSave is flushing.
func (s *Session) editableLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.confirming || s.flushing {
		return ErrClosePending
	}
	return nil
}

// UpdateField sets one field of the working copy and (re)starts the
// autosave window.
func (s *Session) UpdateField(path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return err
	}
	if err := s.doc.UpdateField(path, value); err != nil {
		return err
	}
	s.scheduleLocked()
	return nil
}

func (s *Session) AddMandate() (casefile.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return casefile.Mandate{}, err
	}
	mandate := s.doc.AddMandate()
	s.scheduleLocked()
	return mandate, nil
}

func (s *Session) RemoveMandate(index int, confirmed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return err
	}
	if err := s.doc.RemoveMandate(index, confirmed); err != nil {
		return err
	}
	s.scheduleLocked()
	return nil
}

// AddMinute appends a minute record to the mandate at index after checking
// that its number is unused by the surveyor across all case files,
// including this session's unsaved edits.
func (s *Session) AddMinute(ctx context.Context, index int, minute casefile.Minute) error {
	s.mu.Lock()
	if err := s.editableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	current := s.doc.Current()
	s.mu.Unlock()

	if index < 0 || index >= len(current.Mandates) {
		return fmt.Errorf("%w: mandate %d does not exist", casefile.ErrValidationRejected, index)
	}
	minute.Number = strings.TrimSpace(minute.Number)

	all, err := s.gateway.ListCaseFilesBySurveyor(ctx, current.Surveyor)
	if err != nil {
		return fmt.Errorf("list case files for minute check: %w", err)
	}
	all = withWorkingCopy(all, current)
	if err := casefile.CheckMinute(current.Surveyor, minute.Number, all); err != nil {
		return err
	}

	if s.opts.Reserver != nil {
		reserved, err := s.opts.Reserver.Reserve(ctx, current.Surveyor, minute.Number, s.id)
		if err != nil {
			return fmt.Errorf("reserve minute: %w", err)
		}
		if !reserved {
			return fmt.Errorf("%w: minute %s is being added in another session", casefile.ErrValidationRejected, minute.Number)
		}
	}

	hold := reservedMinute{surveyor: current.Surveyor, number: minute.Number}
	s.mu.Lock()
	err = s.appendMinuteLocked(index, minute, all)
	if err == nil {
		if s.opts.Reserver != nil {
			s.reserved = append(s.reserved, hold)
		}
		s.scheduleLocked()
		s.mu.Unlock()
		return nil
	}
	// The number stays held when an earlier request of this session
	// already added it.
	held := s.holdsMinuteLocked(hold)
	s.mu.Unlock()
	if !held {
		s.releaseMinutes([]reservedMinute{hold})
	}
	return err
}

// appendMinuteLocked checks the minute again against the document as it is
// now, since other edits may have landed while the lock was released.
func (s *Session) appendMinuteLocked(index int, minute casefile.Minute, stored []casefile.CaseFile) error {
	if err := s.editableLocked(); err != nil {
		return err
	}
	current := s.doc.Current()
	if err := casefile.CheckMinute(current.Surveyor, minute.Number, withWorkingCopy(stored, current)); err != nil {
		return err
	}
	return s.doc.AppendMinute(index, minute)
}

func (s *Session) holdsMinuteLocked(hold reservedMinute) bool {
	for _, reserved := range s.reserved {
		if reserved == hold {
			return true
		}
	}
	return false
}

func withWorkingCopy(all []casefile.CaseFile, current casefile.CaseFile) []casefile.CaseFile {
	out := make([]casefile.CaseFile, 0, len(all)+1)
	replaced := false
	for _, cf := range all {
		if current.ID != "" && cf.ID == current.ID {
			out = append(out, current)
			replaced = true
			continue
		}
		out = append(out, cf)
	}
	if !replaced {
		out = append(out, current)
	}
	return out
}

// RequestClose closes a clean session immediately; a dirty one moves to
// StateConfirmingClose until the user answers.
func (s *Session) RequestClose() State {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return StateClosed
	}
	if s.confirming {
		s.mu.Unlock()
		return StateConfirmingClose
	}
	if s.doc.Dirty() {
		s.confirming = true
		s.mu.Unlock()
		return StateConfirmingClose
	}
	s.closeLocked()
	s.mu.Unlock()
	s.notifyClosed()
	return StateClosed
}

// ConfirmDiscard abandons the unsaved delta and closes the session. No final
// save is attempted; a save already in flight is left to finish.
func (s *Session) ConfirmDiscard() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.confirming {
		s.mu.Unlock()
		return ErrNoCloseRequest
	}
	s.closeLocked()
	reserved := s.reserved
	s.reserved = nil
	s.mu.Unlock()
	s.releaseMinutes(reserved)
	s.notifyClosed()
	return nil
}

// releaseMinutes frees the minute numbers this session reserved but never
// saved. Expiry covers a failed release.
func (s *Session) releaseMinutes(reserved []reservedMinute) {
	if s.opts.Reserver == nil || len(reserved) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, minute := range reserved {
		if err := s.opts.Reserver.Release(ctx, minute.surveyor, minute.number, s.id); err != nil {
			s.logger.Warn("release minute reservation failed", zap.Error(err), zap.String("minute", minute.number))
		}
	}
}

// CancelClose resumes editing after a close request.
func (s *Session) CancelClose() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StateClosed, ErrSessionClosed
	}
	if !s.confirming {
		return s.stateLocked(), ErrNoCloseRequest
	}
	s.confirming = false
	return s.stateLocked(), nil
}

func (s *Session) closeLocked() {
	s.closed = true
	s.confirming = false
	s.queued = false
	s.stopTimerLocked()
	s.opts.Metrics.sessionClosed()
	s.logger.Debug("edit session closed")
}

func (s *Session) notifyClosed() {
	if s.onClose != nil {
		s.onClose(s)
	}
}
