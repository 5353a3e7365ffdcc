package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"arpentage/api/internal/casefile"
)

func sampleCaseFile() casefile.CaseFile {
	return casefile.CaseFile{
		ID:         "df_1",
		FileNumber: "1042",
		Surveyor:   "Julie Tremblay",
		Status:     casefile.StatusOpen,
		ClientIDs:  []string{"cl_1"},
		Mandates: []casefile.Mandate{
			{ID: "m_1", Type: "Bornage", Lots: []string{"1 234 567"}},
		},
	}
}

var actor = casefile.Actor{Email: "julie@arpentage.test", DisplayName: "Julie Tremblay"}

func TestRecordAndReadBack(t *testing.T) {
	dir := t.TempDir()
	rec := New(dir, nil)

	first := sampleCaseFile()
	entry, err := rec.Record(first, actor)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(entry.Hash) != 40 {
		t.Fatalf("expected full hash, got %q", entry.Hash)
	}
	if entry.Author != "Julie Tremblay" || entry.Email != "julie@arpentage.test" {
		t.Fatalf("unexpected author: %+v", entry)
	}
	if entry.Message != "Sauvegarde du dossier 1042" {
		t.Fatalf("unexpected message %q", entry.Message)
	}
	if _, err := os.Stat(filepath.Join(dir, "df_1", snapshotFile)); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	second := sampleCaseFile()
	second.Description = "Lot riverain"
	if _, err := rec.Record(second, actor); err != nil {
		t.Fatalf("Record() second error = %v", err)
	}

	items, err := rec.History("df_1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(items))
	}

	old, err := rec.SnapshotAt("df_1", entry.Hash[:7])
	if err != nil {
		t.Fatalf("SnapshotAt() error = %v", err)
	}
	if old.Description != "" || old.FileNumber != "1042" {
		t.Fatalf("unexpected snapshot: %+v", old)
	}
	if len(old.Mandates) != 1 || old.Mandates[0].Lots[0] != "1 234 567" {
		t.Fatalf("mandates not restored: %+v", old.Mandates)
	}

	latest, err := rec.SnapshotAt("df_1", items[0].Hash)
	if err != nil {
		t.Fatalf("SnapshotAt() latest error = %v", err)
	}
	if latest.Description != "Lot riverain" {
		t.Fatalf("expected latest description, got %q", latest.Description)
	}
}

func TestRecordUnchangedIsSkipped(t *testing.T) {
	rec := New(t.TempDir(), nil)
	cf := sampleCaseFile()
	if _, err := rec.Record(cf, actor); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := rec.Record(cf, actor); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("expected ErrUnchanged, got %v", err)
	}
	items, err := rec.History("df_1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(items))
	}
}

func TestHistoryLimitAndMissingRepo(t *testing.T) {
	rec := New(t.TempDir(), nil)

	empty, err := rec.History("df_unknown", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty history, got %d", len(empty))
	}
	if _, err := rec.SnapshotAt("df_unknown", "abc1234"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}

	for i := 0; i < 4; i++ {
		cf := sampleCaseFile()
		cf.Description = fmt.Sprintf("version %d", i)
		if _, err := rec.Record(cf, actor); err != nil {
			t.Fatalf("Record(%d) error = %v", i, err)
		}
	}
	items, err := rec.History("df_1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(items))
	}
}

func TestInvalidCaseFileID(t *testing.T) {
	rec := New(t.TempDir(), nil)
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		cf := sampleCaseFile()
		cf.ID = id
		if _, err := rec.Record(cf, actor); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Record(%q) expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestCaseFileSavedDefaultsSignature(t *testing.T) {
	rec := New(t.TempDir(), nil)
	rec.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }

	rec.CaseFileSaved(context.Background(), sampleCaseFile(), casefile.Actor{})

	items, err := rec.History("df_1", 1)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(items))
	}
	if items[0].Author != "arpentage" || items[0].Email != "arpentage@localhost" {
		t.Fatalf("unexpected signature: %+v", items[0])
	}
	if !items[0].When.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected commit time %v", items[0].When)
	}
}

func TestConcurrentRecordsSameCaseFile(t *testing.T) {
	rec := New(t.TempDir(), nil)

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			cf := sampleCaseFile()
			cf.Description = fmt.Sprintf("writer-%02d", idx)
			if _, err := rec.Record(cf, actor); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("Record() concurrent error = %v", err)
	}

	items, err := rec.History("df_1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(items) != writers {
		t.Fatalf("expected %d entries, got %d", writers, len(items))
	}
}
