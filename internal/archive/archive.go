// Package archive mirrors every project version into a git repository so
// snapshots stay inspectable and diffable outside the service. Each version is
// one commit on main tagged v<number>.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"abode/collab/internal/shard"
	"abode/collab/internal/state"
	"abode/collab/internal/versions"
)

const (
	snapshotFile = "snapshot.json"
	versionFile  = "version.json"
	mainBranch   = "main"
)

type Entry struct {
	Hash          string    `json:"hash"`
	Tag           string    `json:"tag"`
	VersionNumber int       `json:"versionNumber"`
	Message       string    `json:"message"`
	Author        string    `json:"author"`
	CreatedAt     time.Time `json:"createdAt"`
}

type metadata struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"projectId"`
	VersionNumber int         `json:"versionNumber"`
	Author        string      `json:"author"`
	Message       string      `json:"message"`
	Changes       *state.Diff `json:"changes,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

type Service struct {
	baseDir string
	locks   *shard.Map[sync.Mutex]
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   shard.New(func(string) *sync.Mutex { return &sync.Mutex{} }),
	}
}

// Archive commits v's snapshot and tags it. Archiving the same version twice
// is a no-op that returns the existing entry.
func (s *Service) Archive(v versions.Version) (Entry, error) {
	lock := s.locks.Get(v.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(v.ProjectID)
	if err != nil {
		return Entry{}, err
	}

	tag := TagName(v.VersionNumber)
	if _, err := repo.Tag(tag); err == nil {
		commitObj, err := taggedCommit(repo, tag)
		if err != nil {
			return Entry{}, err
		}
		return toEntry(commitObj, tag, v.VersionNumber), nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Entry{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	snapshot := v.Snapshot
	if snapshot == nil {
		snapshot = state.Value{}
	}
	if err := writeJSON(filepath.Join(root, snapshotFile), snapshot); err != nil {
		return Entry{}, err
	}
	if err := writeJSON(filepath.Join(root, versionFile), metadata{
		ID:            v.ID,
		ProjectID:     v.ProjectID,
		VersionNumber: v.VersionNumber,
		Author:        v.Author,
		Message:       v.Message,
		Changes:       v.Changes,
		CreatedAt:     v.CreatedAt,
	}); err != nil {
		return Entry{}, err
	}
	for _, name := range []string{snapshotFile, versionFile} {
		if _, err := worktree.Add(name); err != nil {
			return Entry{}, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	message := v.Message
	if message == "" {
		message = fmt.Sprintf("Version %d", v.VersionNumber)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  v.Author,
			Email: fmt.Sprintf("%s@users.abode.local", sanitizeEmail(v.Author)),
			When:  v.CreatedAt,
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("commit version %d: %w", v.VersionNumber, err)
	}

	_, err = repo.CreateTag(tag, hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "abode",
			Email: "archive@abode.local",
			When:  v.CreatedAt,
		},
		Message: message,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return Entry{}, fmt.Errorf("create tag: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Entry{}, fmt.Errorf("read commit object: %w", err)
	}
	return toEntry(commitObj, tag, v.VersionNumber), nil
}

// Snapshot reads the archived snapshot for a version number.
func (s *Service) Snapshot(projectID string, versionNumber int) (state.Value, error) {
	lock := s.locks.Get(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := taggedCommit(repo, TagName(versionNumber))
	if err != nil {
		return nil, err
	}
	var snapshot state.Value
	if err := readJSON(commitObj, snapshotFile, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// History lists archived versions newest first.
func (s *Service) History(projectID string, limit int) ([]Entry, error) {
	lock := s.locks.Get(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Entry, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		var meta metadata
		if err := readJSON(commitObj, versionFile, &meta); err != nil {
			return err
		}
		items = append(items, toEntry(commitObj, TagName(meta.VersionNumber), meta.VersionNumber))
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

func TagName(versionNumber int) string {
	return fmt.Sprintf("v%d", versionNumber)
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) openOrInit(projectID string) (*git.Repository, error) {
	path := s.repoPath(projectID)
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
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mainBranch, err)
	}
	return repo, nil
}

func taggedCommit(repo *git.Repository, tag string) (*object.Commit, error) {
	ref, err := repo.Tag(tag)
	if err != nil {
		return nil, fmt.Errorf("resolve tag %s: %w", tag, err)
	}
	hash := ref.Hash()
	if tagObj, err := repo.TagObject(hash); err == nil {
		commitObj, err := tagObj.Commit()
		if err != nil {
			return nil, fmt.Errorf("peel tag %s: %w", tag, err)
		}
		return commitObj, nil
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit for %s: %w", tag, err)
	}
	return commitObj, nil
}

func writeJSON(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(commitObj *object.Commit, name string, dst any) error {
	file, err := commitObj.File(name)
	if err != nil {
		return fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func toEntry(commitObj *object.Commit, tag string, versionNumber int) Entry {
	return Entry{
		Hash:          commitObj.Hash.String()[:7],
		Tag:           tag,
		VersionNumber: versionNumber,
		Message:       commitObj.Message,
		Author:        commitObj.Author.Name,
		CreatedAt:     commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' || r == '.' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
