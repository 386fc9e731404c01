package repository

import (
	"context"
	"testing"
	"time"

	"clinic-chat/backend/chat/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newSession(id, appointmentID string) *models.ChatSession {
	return &models.ChatSession{
		ID:            id,
		AppointmentID: appointmentID,
		PatientID:     "patient-1",
		DoctorID:      "doctor-1",
		IsActive:      true,
		ExpiresAt:     t0.Add(120 * time.Hour),
		CreatedAt:     t0,
		UpdatedAt:     t0,
		Version:       1,
	}
}

func TestMemoryCreateEnforcesAppointmentUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()

	require.NoError(t, repo.Create(ctx, newSession("s-1", "appt-1")))
	assert.ErrorIs(t, repo.Create(ctx, newSession("s-2", "appt-1")), ErrDuplicate)

	got, err := repo.GetByAppointment(ctx, "appt-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.ID)
	assert.Equal(t, 1, repo.Count())
}

func TestMemoryGetMissing(t *testing.T) {
	_, err := NewMemorySessionRepository().GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySaveRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()
	require.NoError(t, repo.Create(ctx, newSession("s-1", "appt-1")))

	a, err := repo.GetByID(ctx, "s-1")
	require.NoError(t, err)
	b, err := repo.GetByID(ctx, "s-1")
	require.NoError(t, err)

	a.ExpiresAt = a.ExpiresAt.Add(time.Hour)
	require.NoError(t, repo.Save(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.IsActive = false
	assert.ErrorIs(t, repo.Save(ctx, b), ErrStale)
}

func TestMemorySaveRefusesArchivedSessions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()
	require.NoError(t, repo.Create(ctx, newSession("s-1", "appt-1")))

	s, err := repo.GetByID(ctx, "s-1")
	require.NoError(t, err)
	s.IsActive = false
	s.IsArchived = true
	require.NoError(t, repo.Save(ctx, s))

	s.IsArchived = false
	s.IsActive = true
	assert.ErrorIs(t, repo.Save(ctx, s), ErrStale)

	stored, err := repo.GetByID(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, stored.IsArchived)
}

func TestMemoryAppendMessageKeepsOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()
	require.NoError(t, repo.Create(ctx, newSession("s-1", "appt-1")))

	for i, text := range []string{"first", "second", "third"} {
		s, err := repo.GetByID(ctx, "s-1")
		require.NoError(t, err)
		s.UpdatedAt = t0.Add(time.Duration(i+1) * time.Minute)
		require.NoError(t, repo.AppendMessage(ctx, s, &models.ChatMessage{SenderID: "patient-1", Text: text, SentAt: s.UpdatedAt}))
	}

	s, err := repo.GetByID(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "first", s.Messages[0].Text)
	assert.Equal(t, "third", s.Messages[2].Text)
	assert.Less(t, s.Messages[0].ID, s.Messages[1].ID)
	assert.Equal(t, t0.Add(3*time.Minute), s.UpdatedAt)
}

func TestMemoryListByParticipantOrdersByUpdatedAt(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()

	older := newSession("s-old", "appt-1")
	newer := newSession("s-new", "appt-2")
	newer.UpdatedAt = t0.Add(time.Hour)
	other := newSession("s-other", "appt-3")
	other.PatientID = "patient-2"
	other.DoctorID = "doctor-2"

	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Create(ctx, newer))
	require.NoError(t, repo.Create(ctx, other))

	list, err := repo.ListByParticipant(ctx, "doctor-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s-new", list[0].ID)
	assert.Equal(t, "s-old", list[1].ID)
}

func TestMemoryListReconcileCandidates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()

	fresh := newSession("s-fresh", "appt-1")
	expired := newSession("s-expired", "appt-2")
	expired.ExpiresAt = t0.Add(-time.Minute)
	ended := newSession("s-ended", "appt-3")
	ended.EndedByDoctor = true
	ended.IsActive = false

	for _, s := range []*models.ChatSession{fresh, expired, ended} {
		require.NoError(t, repo.Create(ctx, s))
	}

	got, err := repo.ListReconcileCandidates(ctx, t0, 0)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"s-expired", "s-ended"}, ids)
}
