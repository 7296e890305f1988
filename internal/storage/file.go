package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pdftutor/internal/models"
)

// FileStore keeps one JSON document per session in a directory. A single
// mutex serializes appends so concurrent commits to the same session can
// never lose a turn.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the sessions directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("sessions dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Create(ctx context.Context, session *models.ChatSession) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(session.ID)); err == nil {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	return s.writeLocked(session)
}

func (s *FileStore) Get(ctx context.Context, id string, ownerID int64) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id, ownerID)
}

func (s *FileStore) AppendTurn(ctx context.Context, id string, turn models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.readAnyLocked(id)
	if err != nil {
		return err
	}
	session.History = append(session.History, turn)
	session.UpdatedAt = time.Now().UTC()
	return s.writeLocked(session)
}

func (s *FileStore) List(ctx context.Context, ownerID int64) ([]models.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var summaries []models.SessionSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		session, err := s.readAnyLocked(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if session.OwnerID != ownerID {
			continue
		}
		summaries = append(summaries, models.SessionSummary{
			ID:        session.ID,
			Title:     session.Title,
			UpdatedAt: session.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (s *FileStore) Delete(ctx context.Context, id string, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.readLocked(id, ownerID); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

func (s *FileStore) DeleteAll(ctx context.Context, ownerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read sessions dir: %w", err)
	}
	var removed int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		session, err := s.readAnyLocked(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil || session.OwnerID != ownerID {
			continue
		}
		if err := os.Remove(s.path(session.ID)); err != nil {
			return removed, fmt.Errorf("remove session file: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) readLocked(id string, ownerID int64) (*models.ChatSession, error) {
	session, err := s.readAnyLocked(id)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return session, nil
}

func (s *FileStore) readAnyLocked(id string) (*models.ChatSession, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var session models.ChatSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

// writeLocked writes via a temp file and rename so a crash mid-write never
// leaves a truncated session on disk.
func (s *FileStore) writeLocked(session *models.ChatSession) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, session.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(session.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
