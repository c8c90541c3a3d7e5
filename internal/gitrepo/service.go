// Package gitrepo mirrors each project's versions into a git repository so the
// history can be browsed and diffed with ordinary git tooling.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"postwork/api/internal/store"
)

const snippetFile = "snippet.txt"

// ErrNoRepo is returned when a project has no mirrored versions yet.
var ErrNoRepo = errors.New("project has no history repository")

// Mirrored is the result of committing one version.
type Mirrored struct {
	Hash   string
	Commit store.CommitInfo
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitVersion writes the version's code as the next commit of the project
// repository and tags it v<seq>. Committing a version that is already tagged
// returns the existing commit.
func (s *Service) CommitVersion(version store.Version, author string) (Mirrored, error) {
	lock := s.projectLock(version.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(version.ProjectID)
	if err != nil {
		return Mirrored{}, err
	}

	tag := versionTag(version.Seq)
	if ref, err := repo.Tag(tag); err == nil {
		commitObj, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return Mirrored{}, fmt.Errorf("read tagged commit: %w", err)
		}
		return Mirrored{Hash: commitObj.Hash.String(), Commit: toCommitInfo(commitObj)}, nil
	} else if !errors.Is(err, git.ErrTagNotFound) {
		return Mirrored{}, fmt.Errorf("resolve tag %s: %w", tag, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Mirrored{}, fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, snippetFile), []byte(version.Code), 0o644); err != nil {
		return Mirrored{}, fmt.Errorf("write %s: %w", snippetFile, err)
	}
	if _, err := worktree.Add(snippetFile); err != nil {
		return Mirrored{}, fmt.Errorf("git add snippet: %w", err)
	}

	when := version.CreatedAt
	if when.IsZero() {
		when = time.Now()
	}
	message := fmt.Sprintf("Version %d\n\nversion: %s\nlanguage: %s", version.Seq, version.ID, version.Language)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.postwork.dev", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return Mirrored{}, fmt.Errorf("commit version: %w", err)
	}
	if _, err := repo.CreateTag(tag, hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return Mirrored{}, fmt.Errorf("create tag: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Mirrored{}, fmt.Errorf("read commit object: %w", err)
	}
	return Mirrored{Hash: hash.String(), Commit: toCommitInfo(commitObj)}, nil
}

// History lists mirrored commits newest first with per-commit line stats.
func (s *Service) History(projectID string, limit int) ([]store.CommitInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openRepo(projectID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []store.CommitInfo{}, nil
		}
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		info := toCommitInfo(commitObj)
		if stats, err := commitObj.Stats(); err == nil {
			for _, stat := range stats {
				info.Added += stat.Addition
				info.Removed += stat.Deletion
			}
		}
		items = append(items, info)
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

// Diff returns the unified diff of the snippet between two mirrored version
// sequence numbers.
func (s *Service) Diff(projectID string, fromSeq, toSeq int64) (string, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openRepo(projectID)
	if err != nil {
		return "", err
	}
	from, err := taggedCommit(repo, fromSeq)
	if err != nil {
		return "", err
	}
	to, err := taggedCommit(repo, toSeq)
	if err != nil {
		return "", err
	}
	patch, err := from.Patch(to)
	if err != nil {
		return "", fmt.Errorf("diff versions: %w", err)
	}
	return patch.String(), nil
}

// Remove deletes the project's repository.
func (s *Service) Remove(projectID string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(projectID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) openRepo(projectID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoRepo
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) ensureRepo(projectID string) (*git.Repository, error) {
	repo, err := s.openRepo(projectID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoRepo) {
		return nil, err
	}

	path := s.repoPath(projectID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func versionTag(seq int64) string {
	return fmt.Sprintf("v%d", seq)
}

func taggedCommit(repo *git.Repository, seq int64) (*object.Commit, error) {
	ref, err := repo.Tag(versionTag(seq))
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, fmt.Errorf("%w: version %d is not mirrored", ErrNoRepo, seq)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve version %d: %w", seq, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit for version %d: %w", seq, err)
	}
	return commitObj, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	message := commitObj.Message
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		message = message[:idx]
	}
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
