package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pdftutor/internal/models"
)

// MemoryStore is an in-process Store used by tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ChatSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.ChatSession)}
}

func (s *MemoryStore) Create(ctx context.Context, session *models.ChatSession) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return errors.New("session already exists")
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string, ownerID int64) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, id string, turn models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.History = append(session.History, turn)
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, ownerID int64) ([]models.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var summaries []models.SessionSummary
	for _, session := range s.sessions {
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

func (s *MemoryStore) Delete(ctx context.Context, id string, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context, ownerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, session := range s.sessions {
		if session.OwnerID == ownerID {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneSession(in *models.ChatSession) *models.ChatSession {
	out := *in
	out.History = append([]models.Turn(nil), in.History...)
	return &out
}
