package casefile

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotificationSink delivers user notifications.
type NotificationSink interface {
	CreateNotification(ctx context.Context, notification Notification) error
}

// ClientRegistry resolves linked parties by id. It is read-only.
type ClientRegistry interface {
	PartiesByIDs(ctx context.Context, ids []string) ([]Party, error)
}

// AssignmentNotifier emits "task assigned" notifications derived from the
// difference between the previously persisted case file and the one just
// saved.
type AssignmentNotifier struct {
	sink    NotificationSink
	clients ClientRegistry
}

func NewAssignmentNotifier(sink NotificationSink, clients ClientRegistry) *AssignmentNotifier {
	return &AssignmentNotifier{sink: sink, clients: clients}
}

// Assignment is one mandate whose assignee changed in a save.
type Assignment struct {
	Index     int
	MandateID string
	Assignee  string
	Task      string
}

// AssignmentChanges lists the mandates of next whose assignee is set, differs
// from the previous assignee of the same mandate and carry a current task.
// Mandates are paired by id; a mandate without an id is paired by position.
func AssignmentChanges(previous, next CaseFile) []Assignment {
	byID := make(map[string]Mandate, len(previous.Mandates))
	for _, mandate := range previous.Mandates {
		if mandate.ID != "" {
			byID[mandate.ID] = mandate
		}
	}

	var changes []Assignment
	for i, mandate := range next.Mandates {
		assignee := strings.TrimSpace(mandate.Assignee())
		task := strings.TrimSpace(mandate.CurrentTask)
		if assignee == "" || task == "" {
			continue
		}

		previousAssignee := ""
		if mandate.ID != "" {
			if old, ok := byID[mandate.ID]; ok {
				previousAssignee = strings.TrimSpace(old.Assignee())
			}
		} else if i < len(previous.Mandates) {
			previousAssignee = strings.TrimSpace(previous.Mandates[i].Assignee())
		}
		if previousAssignee == assignee {
			continue
		}

		changes = append(changes, Assignment{
			Index:     i,
			MandateID: mandate.ID,
			Assignee:  assignee,
			Task:      task,
		})
	}
	return changes
}

// Notify sends one notification per assignment change between previous and
// next. It returns the number delivered; delivery failures are joined and
// wrapped with ErrNotificationFailure.
func (n *AssignmentNotifier) Notify(ctx context.Context, previous, next CaseFile, actor Actor) (int, error) {
	changes := AssignmentChanges(previous, next)
	if len(changes) == 0 {
		return 0, nil
	}

	clientNames, lookupErr := n.clientNames(ctx, next.ClientIDs)
	label := Label(next)

	var errs []error
	if lookupErr != nil {
		errs = append(errs, fmt.Errorf("%w: resolve clients: %v", ErrNotificationFailure, lookupErr))
	}

	delivered := 0
	for _, change := range changes {
		notification := Notification{
			RecipientEmail: change.Assignee,
			Title:          "Nouvelle tâche assignée",
			Message:        assignmentMessage(actor, change.Task, label, clientNames),
			Kind:           KindTaskAssigned,
			CaseFileID:     next.ID,
		}
		if err := n.sink.CreateNotification(ctx, notification); err != nil {
			errs = append(errs, fmt.Errorf("%w: notify %s for mandate %d: %v", ErrNotificationFailure, change.Assignee, change.Index, err))
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

func (n *AssignmentNotifier) clientNames(ctx context.Context, ids []string) (string, error) {
	if n.clients == nil || len(ids) == 0 {
		return "", nil
	}
	parties, err := n.clients.PartiesByIDs(ctx, ids)
	if err != nil {
		return "", err
	}
	byID := make(map[string]Party, len(parties))
	for _, party := range parties {
		byID[party.ID] = party
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if party, ok := byID[id]; ok {
			if name := party.DisplayName(); name != "" {
				names = append(names, name)
			}
		}
	}
	return strings.Join(names, ", "), nil
}

func assignmentMessage(actor Actor, task, label, clientNames string) string {
	who := strings.TrimSpace(actor.DisplayName)
	if who == "" {
		who = actor.Email
	}
	message := fmt.Sprintf("%s vous a assigné la tâche « %s » pour le dossier %s", who, task, label)
	if clientNames != "" {
		message += " (" + clientNames + ")"
	}
	return message
}
