// Package lifecycle holds the decision rules for chat sessions. Nothing here
// touches storage; callers reload, apply these rules, then persist.
package lifecycle

import (
	"time"

	apptmodels "clinic-chat/backend/appointment/models"
	"clinic-chat/backend/chat/models"

	"github.com/google/uuid"
)

// DefaultWindow is how long a session stays usable after creation, and how much
// each doctor extension adds.
const DefaultWindow = 5 * 24 * time.Hour

// NewSession builds an unsaved session for an approved appointment
func NewSession(appt *apptmodels.Appointment, now time.Time, window time.Duration) *models.ChatSession {
	if window <= 0 {
		window = DefaultWindow
	}
	return &models.ChatSession{
		ID:            uuid.New().String(),
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		DoctorID:      appt.DoctorID,
		IsActive:      true,
		ExpiresAt:     now.Add(window),
		Messages:      []models.ChatMessage{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Reconcile applies the archival rule and reports whether s changed.
// It is the only place IsArchived is ever set, and a no-op on archived sessions.
func Reconcile(s *models.ChatSession, now time.Time) bool {
	if s.IsArchived {
		return false
	}
	if !s.ExpiresAt.After(now) || s.EndedByDoctor {
		s.IsActive = false
		s.IsArchived = true
		s.UpdatedAt = now
		return true
	}
	return false
}

// IsUsable reports whether s can accept a new message at now
func IsUsable(s *models.ChatSession, now time.Time) bool {
	return !s.IsArchived && s.IsActive && !s.EndedByDoctor && s.ExpiresAt.After(now)
}

// Status returns the client-facing status label
func Status(s *models.ChatSession, now time.Time) string {
	if IsUsable(s, now) {
		return models.StatusActive
	}
	return models.StatusArchived
}

// Reason explains why a session is read-only, or returns "" for usable sessions
func Reason(s *models.ChatSession, now time.Time) string {
	switch {
	case IsUsable(s, now):
		return ""
	case s.EndedByDoctor:
		return models.ReasonDoctorEnded
	case !s.ExpiresAt.After(now):
		return models.ReasonExpired
	default:
		return models.ReasonArchived
	}
}

// CanExtend reports whether a doctor extension is allowed. Archived and
// doctor-ended sessions are terminal.
func CanExtend(s *models.ChatSession) bool {
	return !s.IsArchived && !s.EndedByDoctor
}

// Extend pushes the deadline out from the current ExpiresAt, not from now
func Extend(s *models.ChatSession, by time.Duration, now time.Time) {
	if by <= 0 {
		by = DefaultWindow
	}
	s.ExpiresAt = s.ExpiresAt.Add(by)
	s.IsActive = true
	s.UpdatedAt = now
}

// End marks the session as terminated by the doctor. The next Reconcile latches archival.
func End(s *models.ChatSession, now time.Time) {
	s.EndedByDoctor = true
	s.IsActive = false
	s.UpdatedAt = now
}

// View renders s for display at now
func View(s *models.ChatSession, now time.Time, withMessages bool) models.SessionView {
	usable := IsUsable(s, now)
	v := models.SessionView{
		ID:            s.ID,
		AppointmentID: s.AppointmentID,
		PatientID:     s.PatientID,
		DoctorID:      s.DoctorID,
		Status:        Status(s, now),
		ReadOnly:      !usable,
		Reason:        Reason(s, now),
		EndedByDoctor: s.EndedByDoctor,
		ExpiresAt:     s.ExpiresAt,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		MessageCount:  len(s.Messages),
	}
	if withMessages {
		v.Messages = make([]models.MessageView, 0, len(s.Messages))
		for _, m := range s.Messages {
			role := models.SenderPatient
			if m.SenderID == s.DoctorID {
				role = models.SenderDoctor
			}
			v.Messages = append(v.Messages, models.MessageView{
				ID:         m.ID,
				SenderID:   m.SenderID,
				SenderRole: role,
				Text:       m.Text,
				SentAt:     m.SentAt,
			})
		}
	}
	return v
}
