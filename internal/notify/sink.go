// Package notify delivers case-file notifications to the in-app inbox and,
// when SMTP is configured, by email.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"arpentage/api/internal/casefile"
	"arpentage/api/internal/email"
	"arpentage/api/internal/store"

	"go.uber.org/zap"
)

// Inbox stores in-app notifications.
type Inbox interface {
	CreateNotification(ctx context.Context, notification casefile.Notification) error
}

// Directory resolves a recipient's display name.
type Directory interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
}

// Mailer sends assignment emails.
type Mailer interface {
	IsConfigured() bool
	SendAssignmentEmail(to string, data email.AssignmentData) error
}

// Sink implements casefile.NotificationSink. The inbox row is the delivery;
// emails are sent in the background and a failure is only logged.
type Sink struct {
	inbox     Inbox
	directory Directory
	mailer    Mailer
	logger    *zap.Logger
	pending   sync.WaitGroup
}

func NewSink(inbox Inbox, directory Directory, mailer Mailer, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{inbox: inbox, directory: directory, mailer: mailer, logger: logger}
}

func (s *Sink) CreateNotification(ctx context.Context, notification casefile.Notification) error {
	notification.RecipientEmail = strings.TrimSpace(notification.RecipientEmail)
	if notification.RecipientEmail == "" {
		return fmt.Errorf("create notification: empty recipient")
	}
	if err := s.inbox.CreateNotification(ctx, notification); err != nil {
		return err
	}
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return nil
	}

	data := email.AssignmentData{
		RecipientName: s.recipientName(ctx, notification.RecipientEmail),
		Title:         notification.Title,
		Message:       notification.Message,
		CaseFileID:    notification.CaseFileID,
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.sendEmail(notification, data)
	}()
	return nil
}

func (s *Sink) sendEmail(notification casefile.Notification, data email.AssignmentData) {
	if err := s.mailer.SendAssignmentEmail(notification.RecipientEmail, data); err != nil {
		s.logger.Warn("assignment email failed",
			zap.Error(err),
			zap.String("recipient", notification.RecipientEmail),
			zap.String("case_file_id", notification.CaseFileID),
		)
	}
}

// Wait blocks until the emails already handed to the mailer are sent or
// ctx is done.
func (s *Sink) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) recipientName(ctx context.Context, recipient string) string {
	if s.directory == nil {
		return ""
	}
	user, err := s.directory.GetUserByEmail(ctx, recipient)
	if err != nil {
		if !store.IsNotFound(err) {
			s.logger.Debug("resolve notification recipient failed", zap.Error(err), zap.String("recipient", recipient))
		}
		return ""
	}
	return user.DisplayName
}
