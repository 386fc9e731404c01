package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinic-chat/backend/chat/models"
)

// MemorySessionRepository is a SessionRepository held in process memory.
// It enforces the same uniqueness and version rules as the gorm store and
// hands out copies, so callers never share state through it.
type MemorySessionRepository struct {
	mu            sync.Mutex
	sessions      map[string]*models.ChatSession
	byAppointment map[string]string
	nextMessageID uint
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions:      make(map[string]*models.ChatSession),
		byAppointment: make(map[string]string),
	}
}

func (r *MemorySessionRepository) Create(_ context.Context, s *models.ChatSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byAppointment[s.AppointmentID]; exists {
		return ErrDuplicate
	}
	if _, exists := r.sessions[s.ID]; exists {
		return ErrDuplicate
	}
	if s.Version == 0 {
		s.Version = 1
	}
	stored := s.Clone()
	stored.Messages = nil
	r.sessions[s.ID] = stored
	r.byAppointment[s.AppointmentID] = s.ID
	return nil
}

func (r *MemorySessionRepository) GetByID(_ context.Context, id string) (*models.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return loaded(s), nil
}

func (r *MemorySessionRepository) GetByAppointment(_ context.Context, appointmentID string) (*models.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byAppointment[appointmentID]
	if !ok {
		return nil, ErrNotFound
	}
	return loaded(r.sessions[id]), nil
}

func (r *MemorySessionRepository) ListByParticipant(_ context.Context, userID string) ([]*models.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.ChatSession
	for _, s := range r.sessions {
		if s.HasParticipant(userID) {
			out = append(out, loaded(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemorySessionRepository) ListReconcileCandidates(_ context.Context, now time.Time, limit int) ([]*models.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.ChatSession
	for _, s := range r.sessions {
		if !s.IsArchived && (!s.ExpiresAt.After(now) || s.EndedByDoctor) {
			out = append(out, loaded(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemorySessionRepository) Save(_ context.Context, s *models.ChatSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.checkVersion(s)
	if err != nil {
		return err
	}
	r.writeFields(stored, s)
	return nil
}

func (r *MemorySessionRepository) AppendMessage(_ context.Context, s *models.ChatSession, m *models.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.checkVersion(s)
	if err != nil {
		return err
	}
	r.writeFields(stored, s)

	r.nextMessageID++
	m.ID = r.nextMessageID
	m.SessionID = s.ID
	stored.Messages = append(stored.Messages, *m)
	s.Messages = append(s.Messages, *m)
	return nil
}

// MessageCount returns the number of stored messages, for tests
func (r *MemorySessionRepository) MessageCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return len(s.Messages)
	}
	return 0
}

// Count returns the number of stored sessions, for tests
func (r *MemorySessionRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *MemorySessionRepository) checkVersion(s *models.ChatSession) (*models.ChatSession, error) {
	stored, ok := r.sessions[s.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Version != s.Version || stored.IsArchived {
		return nil, ErrStale
	}
	return stored, nil
}

func (r *MemorySessionRepository) writeFields(stored, s *models.ChatSession) {
	stored.IsActive = s.IsActive
	stored.IsArchived = s.IsArchived
	stored.EndedByDoctor = s.EndedByDoctor
	stored.ExpiresAt = s.ExpiresAt
	stored.UpdatedAt = s.UpdatedAt
	stored.Version++
	s.Version = stored.Version
}

func loaded(s *models.ChatSession) *models.ChatSession {
	c := s.Clone()
	if c.Messages == nil {
		c.Messages = []models.ChatMessage{}
	}
	return c
}
