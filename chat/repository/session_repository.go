package repository

import (
	"context"
	"errors"
	"time"

	"clinic-chat/backend/chat/models"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no session matches
	ErrNotFound = errors.New("chat session not found")
	// ErrDuplicate is returned by Create when the appointment already has a session
	ErrDuplicate = errors.New("chat session already exists for appointment")
	// ErrStale is returned when the session changed since it was loaded
	ErrStale = errors.New("chat session was modified concurrently")
)

// SessionRepository persists chat sessions and their messages.
// Save and AppendMessage are optimistic: they succeed only if the stored
// version still equals s.Version and the session is not archived, and they
// increment s.Version on success.
type SessionRepository interface {
	Create(ctx context.Context, s *models.ChatSession) error
	GetByID(ctx context.Context, id string) (*models.ChatSession, error)
	GetByAppointment(ctx context.Context, appointmentID string) (*models.ChatSession, error)
	ListByParticipant(ctx context.Context, userID string) ([]*models.ChatSession, error)
	ListReconcileCandidates(ctx context.Context, now time.Time, limit int) ([]*models.ChatSession, error)
	Save(ctx context.Context, s *models.ChatSession) error
	AppendMessage(ctx context.Context, s *models.ChatSession, m *models.ChatMessage) error
}

type GormSessionRepository struct {
	db *gorm.DB
}

func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

// Migrate creates the chat tables and the unique index on appointment_id
func (r *GormSessionRepository) Migrate() error {
	return r.db.AutoMigrate(&models.ChatSession{}, &models.ChatMessage{})
}

func (r *GormSessionRepository) Create(ctx context.Context, s *models.ChatSession) error {
	// Messages are written through AppendMessage only.
	err := r.db.WithContext(ctx).Omit("Messages").Create(s).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (r *GormSessionRepository) GetByID(ctx context.Context, id string) (*models.ChatSession, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *GormSessionRepository) GetByAppointment(ctx context.Context, appointmentID string) (*models.ChatSession, error) {
	return r.first(ctx, "appointment_id = ?", appointmentID)
}

func (r *GormSessionRepository) first(ctx context.Context, query string, arg any) (*models.ChatSession, error) {
	var s models.ChatSession
	err := r.withMessages(r.db.WithContext(ctx)).Where(query, arg).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *GormSessionRepository) ListByParticipant(ctx context.Context, userID string) ([]*models.ChatSession, error) {
	var sessions []*models.ChatSession
	err := r.withMessages(r.db.WithContext(ctx)).
		Where("patient_id = ? OR doctor_id = ?", userID, userID).
		Order("updated_at DESC").
		Find(&sessions).Error
	return sessions, err
}

func (r *GormSessionRepository) ListReconcileCandidates(ctx context.Context, now time.Time, limit int) ([]*models.ChatSession, error) {
	var sessions []*models.ChatSession
	q := r.db.WithContext(ctx).
		Where("is_archived = ?", false).
		Where("(expires_at <= ? OR ended_by_doctor = ?)", now, true).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&sessions).Error
	return sessions, err
}

func (r *GormSessionRepository) Save(ctx context.Context, s *models.ChatSession) error {
	return r.bump(r.db.WithContext(ctx), s)
}

func (r *GormSessionRepository) AppendMessage(ctx context.Context, s *models.ChatSession, m *models.ChatMessage) error {
	prev := s.Version
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.bump(tx, s); err != nil {
			return err
		}
		m.SessionID = s.ID
		return tx.Create(m).Error
	})
	if err != nil {
		// the transaction rolled back, so the stored version did not move
		s.Version = prev
		return err
	}
	s.Messages = append(s.Messages, *m)
	return nil
}

// bump writes the lifecycle fields guarded by version and the archive latch
func (r *GormSessionRepository) bump(db *gorm.DB, s *models.ChatSession) error {
	res := db.Model(&models.ChatSession{}).
		Where("id = ? AND version = ? AND is_archived = ?", s.ID, s.Version, false).
		Updates(map[string]any{
			"is_active":       s.IsActive,
			"is_archived":     s.IsArchived,
			"ended_by_doctor": s.EndedByDoctor,
			"expires_at":      s.ExpiresAt,
			"updated_at":      s.UpdatedAt,
			"version":         gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	s.Version++
	return nil
}

func (r *GormSessionRepository) withMessages(db *gorm.DB) *gorm.DB {
	return db.Preload("Messages", func(db *gorm.DB) *gorm.DB {
		return db.Order("chat_messages.id ASC")
	})
}
