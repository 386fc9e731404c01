package models

import (
	"time"
)

// Session status labels exposed to clients
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Archive reasons
const (
	ReasonDoctorEnded = "doctor_ended"
	ReasonExpired     = "expired"
	ReasonArchived    = "archived"
)

// Participant roles resolved for display
const (
	SenderPatient = "patient"
	SenderDoctor  = "doctor"
)

// ChatSession is the messaging channel bound 1:1 to an approved appointment
type ChatSession struct {
	ID            string        `json:"id" gorm:"primaryKey;size:36"`
	AppointmentID string        `json:"appointmentId" gorm:"size:64;not null;uniqueIndex:idx_chat_sessions_appointment"`
	PatientID     string        `json:"patientId" gorm:"size:64;not null;index"`
	DoctorID      string        `json:"doctorId" gorm:"size:64;not null;index"`
	IsActive      bool          `json:"isActive" gorm:"not null"`
	IsArchived    bool          `json:"isArchived" gorm:"not null;index"`
	EndedByDoctor bool          `json:"endedByDoctor" gorm:"not null"`
	ExpiresAt     time.Time     `json:"expiresAt" gorm:"not null;index"`
	Messages      []ChatMessage `json:"messages" gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	Version       int64         `json:"-" gorm:"not null;default:1"`
	CreatedAt     time.Time     `json:"createdAt" gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time     `json:"updatedAt" gorm:"autoUpdateTime:false;index"`
}

// TableName overrides the table name
func (ChatSession) TableName() string {
	return "chat_sessions"
}

// HasParticipant reports whether userID is the session's patient or doctor
func (s *ChatSession) HasParticipant(userID string) bool {
	return userID != "" && (userID == s.PatientID || userID == s.DoctorID)
}

// IsDoctor reports whether userID is the session's doctor
func (s *ChatSession) IsDoctor(userID string) bool {
	return userID != "" && userID == s.DoctorID
}

// Counterpart returns the other participant's ID
func (s *ChatSession) Counterpart(userID string) string {
	if userID == s.PatientID {
		return s.DoctorID
	}
	return s.PatientID
}

// Clone returns a deep copy, messages included
func (s *ChatSession) Clone() *ChatSession {
	c := *s
	if s.Messages != nil {
		c.Messages = make([]ChatMessage, len(s.Messages))
		copy(c.Messages, s.Messages)
	}
	return &c
}

// ChatMessage is one entry of a session's append-only history.
// ID is assigned by the store and increases with insertion order.
type ChatMessage struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	SessionID string    `json:"sessionId" gorm:"size:36;not null;index"`
	SenderID  string    `json:"senderId" gorm:"size:64;not null"`
	Text      string    `json:"text" gorm:"type:text;not null"`
	SentAt    time.Time `json:"sentAt" gorm:"not null"`
}

// TableName overrides the table name
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// MessageView is a message with the sender's role resolved
type MessageView struct {
	ID         uint      `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderRole string    `json:"senderRole"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sentAt"`
}

// SessionView is the display form of a session returned to clients
type SessionView struct {
	ID            string        `json:"id"`
	AppointmentID string        `json:"appointmentId"`
	PatientID     string        `json:"patientId"`
	DoctorID      string        `json:"doctorId"`
	Status        string        `json:"status"`
	ReadOnly      bool          `json:"readOnly"`
	Reason        string        `json:"reason,omitempty"`
	EndedByDoctor bool          `json:"endedByDoctor"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	MessageCount  int           `json:"messageCount"`
	Messages      []MessageView `json:"messages,omitempty"`
}

// SessionList partitions a user's sessions
type SessionList struct {
	Active   []SessionView `json:"active"`
	Archived []SessionView `json:"archived"`
}

// Discovery is the result of provisioning without an appointment reference.
// AllArchived is set when the requester has approved appointments but none of
// the resulting sessions can accept messages.
type Discovery struct {
	Active      []SessionView `json:"active"`
	Archived    []SessionView `json:"archived"`
	AllArchived bool          `json:"allArchived"`
}
