// Package gitrepo stores each board document in its own git repository.
// Every save is one commit on main; history comes from the commit log.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"kanban/api/internal/docid"
)

const (
	documentFile = "board.json"
	mainBranch   = "main"
)

var ErrCommitNotFound = errors.New("commit not found")

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
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

// ReadDocument returns the board text at the head of main. found is false
// when the document has never been saved.
func (s *Service) ReadDocument(documentID string) ([]byte, bool, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, false, fmt.Errorf("load commit object: %w", err)
	}
	text, err := readFromCommit(commitObj)
	if err != nil {
		return nil, false, err
	}
	return text, true, nil
}

// ReadDocumentAt returns the board text as of a commit, full or abbreviated.
func (s *Service) ReadDocumentAt(documentID, hash string) ([]byte, CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, CommitInfo{}, fmt.Errorf("%w: %s", ErrCommitNotFound, hash)
	}
	if err != nil {
		return nil, CommitInfo{}, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, CommitInfo{}, fmt.Errorf("%w: %s", ErrCommitNotFound, hash)
	}
	text, err := readFromCommit(commitObj)
	if err != nil {
		return nil, CommitInfo{}, err
	}
	return text, toCommitInfo(commitObj), nil
}

// WriteDocument commits text as the new head of main, creating the
// repository on first save.
func (s *Service) WriteDocument(documentID string, text []byte, summary, author string) (CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = s.initRepo(documentID)
	}
	if err != nil {
		return CommitInfo{}, err
	}

	if strings.TrimSpace(summary) == "" {
		summary = "Update board"
	}
	hash, err := commitFile(repo, text, author, summary)
	if err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists commits on main, newest first. limit <= 0 means all.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
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

// Documents lists the ids of every stored board, sorted.
func (s *Service) Documents() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list repos dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := docid.FromFileName(entry.Name())
		if docid.Validate(id) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.baseDir, entry.Name(), ".git")); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, docid.FileName(documentID))
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	if err := docid.Validate(documentID); err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) initRepo(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(mainBranch)},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func commitFile(repo *git.Repository, text []byte, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, documentFile), text, 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", documentFile, err)
	}
	if _, err := worktree.Add(documentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add board: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@kanban.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit board: %w", err)
	}
	return hash, nil
}

func readFromCommit(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(documentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", documentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open board reader: %w", err)
	}
	defer reader.Close()

	text, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read board bytes: %w", err)
	}
	return text, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
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

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrCommitNotFound, hash)
	}
	return *resolved, nil
}
