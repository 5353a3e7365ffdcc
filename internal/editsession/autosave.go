package editsession

import (
	"context"
	"fmt"
	"time"

	"arpentage/api/internal/casefile"

	"go.uber.org/zap"
)

// scheduleLocked restarts the debounce window after a mutation. A document
// that is back to its baseline cancels the pending window instead.
func (s *Session) scheduleLocked() {
	s.stopTimerLocked()
	if !s.doc.Dirty() {
		return
	}
	gen := s.timerGen
	s.timer = s.opts.AfterFunc(s.opts.Debounce, func() { s.fire(gen) })
}

// stopTimerLocked cancels the pending window. Bumping the generation also
// disarms a callback that already started and is waiting for the lock.
func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Session) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || s.closed || s.flushing {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.saving {
		s.queued = true
		s.mu.Unlock()
		return
	}
	previous, snapshot, ok := s.beginSaveLocked()
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.persist(context.Background(), previous, snapshot)
}

// beginSaveLocked claims the single save slot and returns the baseline and
// the snapshot to persist.
func (s *Session) beginSaveLocked() (casefile.CaseFile, casefile.CaseFile, bool) {
	if !s.doc.Dirty() {
		return casefile.CaseFile{}, casefile.CaseFile{}, false
	}
	s.saving = true
	s.saveDone = make(chan struct{})
	return s.doc.Baseline(), s.doc.Current(), true
}

// persist writes snapshot through the gateway. On success the snapshot
// becomes the baseline, observers run and the save slot is released before
// assignment notifications are derived from the previous baseline, so a
// slow delivery never holds up later saves. A failed save leaves the
// baseline untouched and is not retried until the next edit.
func (s *Session) persist(ctx context.Context, previous, snapshot casefile.CaseFile) error {
	started := time.Now()
	_, err := s.gateway.UpdateCaseFile(ctx, snapshot.ID, snapshot)
	s.opts.Metrics.saveResult(err == nil)
	if err != nil {
		err = fmt.Errorf("%w: %w", casefile.ErrPersistenceFailure, err)
		s.logger.Warn("autosave failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
		s.finishSave(err)
		return err
	}
	s.logger.Debug("autosave", zap.Duration("elapsed", time.Since(started)))

	s.mu.Lock()
	s.doc.MarkSaved(snapshot)
	s.lastSavedAt = time.Now()
	s.mu.Unlock()

	for _, observer := range s.opts.Observers {
		observer.CaseFileSaved(ctx, snapshot, s.actor)
	}
	s.finishSave(nil)

	if s.opts.Notifier != nil {
		delivered, notifyErr := s.opts.Notifier.Notify(ctx, previous, snapshot, s.actor)
		s.opts.Metrics.notificationResult(delivered, notifyErr != nil)
		if notifyErr != nil {
			s.logger.Warn("assignment notifications failed", zap.Error(notifyErr), zap.Int("delivered", delivered))
		}
	}
	return nil
}

// finishSave releases the save slot. Edits made while the save was in
// flight are scheduled again, including an edit that reverted the document
// to the state it had before the save started.
func (s *Session) finishSave(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	s.saving = false
	if s.saveDone != nil {
		close(s.saveDone)
		s.saveDone = nil
	}
	queued := s.queued
	s.queued = false
	if s.closed || s.flushing {
		return
	}
	if queued || (err == nil && s.timer == nil && s.doc.Dirty()) {
		s.scheduleLocked()
	}
}

// CloseAfterSave waits for any in-flight save, persists the remaining
// delta and closes the session. When the save fails the session stays open
// with its edits so the user can retry or discard.
func (s *Session) CloseAfterSave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.flushing {
		s.mu.Unlock()
		return ErrClosePending
	}
	s.flushing = true
	s.stopTimerLocked()

	for s.saving {
		done := s.saveDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			s.mu.Lock()
			s.flushing = false
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Lock()
	}
	s.queued = false

	if previous, snapshot, ok := s.beginSaveLocked(); ok {
		s.mu.Unlock()
		if err := s.persist(ctx, previous, snapshot); err != nil {
			s.mu.Lock()
			s.flushing = false
			s.mu.Unlock()
			return err
		}
		s.mu.Lock()
	}

	if s.closed {
		s.flushing = false
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.flushing = false
	s.closeLocked()
	s.mu.Unlock()
	s.notifyClosed()
	return nil
}
