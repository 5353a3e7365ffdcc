// Package history keeps a git repository per case file and commits every
// saved version of it.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"arpentage/api/internal/casefile"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const snapshotFile = "dossier.json"

var (
	ErrUnchanged = errors.New("case file unchanged since last snapshot")
	ErrInvalidID = errors.New("invalid case file id")
	ErrNoHistory = errors.New("case file has no history")
)

// Entry is one recorded save.
type Entry struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	When    time.Time `json:"when"`
}

type Recorder struct {
	baseDir string
	logger  *zap.Logger
	now     func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(baseDir string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		baseDir: baseDir,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CaseFileSaved records saved after a successful autosave. Failures are
// logged; the save itself already succeeded.
func (r *Recorder) CaseFileSaved(_ context.Context, saved casefile.CaseFile, actor casefile.Actor) {
	entry, err := r.Record(saved, actor)
	switch {
	case errors.Is(err, ErrUnchanged):
		return
	case err != nil:
		r.logger.Warn("record case file history failed", zap.Error(err), zap.String("case_file_id", saved.ID))
	default:
		r.logger.Debug("case file history recorded", zap.String("case_file_id", saved.ID), zap.String("hash", entry.Hash))
	}
}

// Record commits cf as the new snapshot of its case file, authored by
// actor. It returns ErrUnchanged when the snapshot matches HEAD.
func (r *Recorder) Record(cf casefile.CaseFile, actor casefile.Actor) (Entry, error) {
	path, err := r.repoPath(cf.ID)
	if err != nil {
		return Entry{}, err
	}
	lock := r.caseFileLock(cf.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openOrInit(path)
	if err != nil {
		return Entry{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Entry{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal case file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return Entry{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Entry{}, fmt.Errorf("git add snapshot: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return Entry{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return Entry{}, ErrUnchanged
	}

	name, email := signature(actor)
	hash, err := worktree.Commit(commitMessage(cf), &git.CommitOptions{
		Author: &object.Signature{
			Name:  name,
			Email: email,
			When:  r.now(),
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return Entry{}, fmt.Errorf("read commit object: %w", err)
	}
	return toEntry(commit), nil
}

// History lists the snapshots of a case file, newest first. A case file
// that was never saved has an empty history.
func (r *Recorder) History(caseFileID string, limit int) ([]Entry, error) {
	path, err := r.repoPath(caseFileID)
	if err != nil {
		return nil, err
	}
	lock := r.caseFileLock(caseFileID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Entry, 0)
	err = iter.ForEach(func(commit *object.Commit) error {
		items = append(items, toEntry(commit))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt returns the case file as recorded by the commit hash, which
// may be abbreviated.
func (r *Recorder) SnapshotAt(caseFileID, hash string) (casefile.CaseFile, error) {
	path, err := r.repoPath(caseFileID)
	if err != nil {
		return casefile.CaseFile{}, err
	}
	lock := r.caseFileLock(caseFileID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return casefile.CaseFile{}, ErrNoHistory
	}
	if err != nil {
		return casefile.CaseFile{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return casefile.CaseFile{}, err
	}
	commit, err := repo.CommitObject(resolved)
	if err != nil {
		return casefile.CaseFile{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshot(commit)
}

func openOrInit(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (r *Recorder) repoPath(caseFileID string) (string, error) {
	id := strings.TrimSpace(caseFileID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, caseFileID)
	}
	return filepath.Join(r.baseDir, id), nil
}

func (r *Recorder) caseFileLock(caseFileID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	lock, ok := r.locks[caseFileID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[caseFileID] = lock
	}
	return lock
}

func readSnapshot(commit *object.Commit) (casefile.CaseFile, error) {
	file, err := commit.File(snapshotFile)
	if err != nil {
		return casefile.CaseFile{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return casefile.CaseFile{}, fmt.Errorf("read snapshot: %w", err)
	}
	var cf casefile.CaseFile
	if err := json.Unmarshal([]byte(contents), &cf); err != nil {
		return casefile.CaseFile{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return cf, nil
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	hash = strings.TrimSpace(hash)
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}

func toEntry(commit *object.Commit) Entry {
	return Entry{
		Hash:    commit.Hash.String(),
		Message: strings.TrimSpace(commit.Message),
		Author:  commit.Author.Name,
		Email:   commit.Author.Email,
		When:    commit.Author.When,
	}
}

func commitMessage(cf casefile.CaseFile) string {
	if number := strings.TrimSpace(cf.FileNumber); number != "" {
		return "Sauvegarde du dossier " + number
	}
	return "Sauvegarde du dossier " + cf.ID
}

func signature(actor casefile.Actor) (string, string) {
	email := strings.TrimSpace(actor.Email)
	name := strings.TrimSpace(actor.DisplayName)
	if name == "" {
		name = email
	}
	if name == "" {
		name = "arpentage"
	}
	if email == "" {
		email = "arpentage@localhost"
	}
	return name, email
}
