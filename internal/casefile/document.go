package casefile

import (
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout            = "2006-01-02"
	surveyDeadlineAdvance = 14 * 24 * time.Hour
)

// Document is the mutable edit form of one case file together with the
// last-known persisted baseline. Every update replaces the containers on
// the updated path instead of mutating them. A Document is not safe for
// concurrent use; the edit session serializes access.
type Document struct {
	current  CaseFile
	baseline CaseFile
}

// NewDocument returns a document loaded with cf.
func NewDocument(cf CaseFile) *Document {
	d := &Document{}
	d.Load(cf)
	return d
}

// Load replaces both the working copy and the baseline with the normalized
// form of cf.
func (d *Document) Load(cf CaseFile) {
	normalized := Normalize(cf)
	d.current = Clone(normalized)
	d.baseline = normalized
}

// ID returns the case-file id, empty for a file not yet created.
func (d *Document) ID() string {
	return d.current.ID
}

// Current returns a deep copy of the working copy.
func (d *Document) Current() CaseFile {
	return Clone(d.current)
}

// Baseline returns a deep copy of the last persisted snapshot.
func (d *Document) Baseline() CaseFile {
	return Clone(d.baseline)
}

func (d *Document) Dirty() bool {
	return !Equal(d.current, d.baseline)
}

// MarkSaved records snapshot as the persisted baseline.
func (d *Document) MarkSaved(snapshot CaseFile) {
	d.baseline = Clone(snapshot)
}

// UpdateField sets the value at path, applying the derivation rules tied to
// the current task and the delivery date.
func (d *Document) UpdateField(path string, value any) error {
	fieldPath, err := ParsePath(path)
	if err != nil {
		return err
	}

	if fieldPath.TopLevel() {
		next, err := withField(d.current, fieldPath.Field, value)
		if err != nil {
			return err
		}
		if fieldPath.Field == "statut" && next.Status != "" && !ValidStatus(next.Status) {
			return rejected("unknown status %q", next.Status)
		}
		d.current = next
		return nil
	}

	if fieldPath.Mandate >= len(d.current.Mandates) {
		return rejected("mandate %d does not exist", fieldPath.Mandate)
	}
	mandate := d.current.Mandates[fieldPath.Mandate]

	var updated Mandate
	switch fieldPath.Nested {
	case nestedFieldPlan:
		plan, err := withField(mandate.FieldPlan, fieldPath.Field, value)
		if err != nil {
			return err
		}
		updated = mandate
		updated.FieldPlan = plan
	case nestedAddress:
		address, err := withField(mandate.Address, fieldPath.Field, value)
		if err != nil {
			return err
		}
		updated = mandate
		updated.Address = address
	default:
		updated, err = withField(mandate, fieldPath.Field, value)
		if err != nil {
			return err
		}
		applyDerivations(&updated, fieldPath.Field)
	}

	d.replaceMandate(fieldPath.Mandate, updated)
	return nil
}

func applyDerivations(m *Mandate, field string) {
	switch field {
	case "tache_actuelle":
		if m.CurrentTask == TaskSchedule {
			m.FieldStatus = FieldStatusVerifying
		} else {
			m.FieldStatus = ""
		}
	case "date_livraison":
		if deadline, ok := SurveyDeadline(m.DeliveryOn); ok {
			m.FieldPlan.SurveyDeadline = deadline
		}
	}
}

// SurveyDeadline returns the field-survey deadline for a delivery date:
// fourteen days earlier, in the same YYYY-MM-DD layout.
func SurveyDeadline(deliveryOn string) (string, bool) {
	value := strings.TrimSpace(deliveryOn)
	if len(value) > len(dateLayout) {
		value = value[:len(dateLayout)]
	}
	if value == "" {
		return "", false
	}
	delivery, err := time.Parse(dateLayout, value)
	if err != nil {
		return "", false
	}
	return delivery.Add(-surveyDeadlineAdvance).Format(dateLayout), true
}

// AddMandate appends a new mandate inheriting the work address and lots of
// mandate #0 when one exists.
func (d *Document) AddMandate() Mandate {
	var template *Mandate
	if len(d.current.Mandates) > 0 {
		first := d.current.Mandates[0]
		template = &first
	}
	mandate := NewMandate(template)

	next := d.current
	next.Mandates = append(make([]Mandate, 0, len(d.current.Mandates)+1), d.current.Mandates...)
	next.Mandates = append(next.Mandates, mandate)
	d.current = next
	return cloneMandate(mandate)
}

// RemoveMandate removes the mandate at index. The caller must have obtained
// the user's confirmation.
func (d *Document) RemoveMandate(index int, confirmed bool) error {
	if !confirmed {
		return rejected("removing mandate %d requires confirmation", index)
	}
	if index < 0 || index >= len(d.current.Mandates) {
		return rejected("mandate %d does not exist", index)
	}
	next := d.current
	next.Mandates = make([]Mandate, 0, len(d.current.Mandates)-1)
	next.Mandates = append(next.Mandates, d.current.Mandates[:index]...)
	next.Mandates = append(next.Mandates, d.current.Mandates[index+1:]...)
	d.current = next
	return nil
}

// AppendMinute adds a minute record to the mandate at index. Uniqueness is
// checked by the caller with CanAddMinute.
func (d *Document) AppendMinute(index int, minute Minute) error {
	if index < 0 || index >= len(d.current.Mandates) {
		return rejected("mandate %d does not exist", index)
	}
	if strings.TrimSpace(minute.Number) == "" {
		return rejected("minute number is required")
	}
	updated := d.current.Mandates[index]
	updated.Minutes = append(make([]Minute, 0, len(updated.Minutes)+1), updated.Minutes...)
	updated.Minutes = append(updated.Minutes, minute)
	d.replaceMandate(index, updated)
	return nil
}

func (d *Document) replaceMandate(index int, mandate Mandate) {
	next := d.current
	next.Mandates = append(make([]Mandate, 0, len(d.current.Mandates)), d.current.Mandates...)
	next.Mandates[index] = mandate
	d.current = next
}

// MissingAssignees lists mandates that have a task but nobody assigned while
// the case file is open. It is a form hint, not a constraint.
func MissingAssignees(cf CaseFile) []int {
	if cf.Status != StatusOpen {
		return nil
	}
	var missing []int
	for i, mandate := range cf.Mandates {
		if strings.TrimSpace(mandate.CurrentTask) != "" && strings.TrimSpace(mandate.Assignee()) == "" {
			missing = append(missing, i)
		}
	}
	return missing
}

// Label is the human-readable reference of a case file: the surveyor's
// initials followed by the file number.
func Label(cf CaseFile) string {
	number := strings.TrimSpace(cf.FileNumber)
	prefix := initials(cf.Surveyor)
	if number == "" {
		return prefix
	}
	return fmt.Sprintf("%s-%s", prefix, number)
}

func initials(name string) string {
	name = strings.TrimSpace(name)
	if at := strings.Index(name, "@"); at > 0 {
		name = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(name[:at])
	}
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "NA"
	}
	if len(parts) == 1 {
		r := []rune(parts[0])
		if len(r) == 1 {
			return strings.ToUpper(string(r[0]))
		}
		return strings.ToUpper(string(r[0]) + string(r[1]))
	}
	return strings.ToUpper(string([]rune(parts[0])[0]) + string([]rune(parts[len(parts)-1])[0]))
}
