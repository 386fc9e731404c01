package models

// Status is the appointment workflow state owned by the booking subsystem
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Appointment is the read-only view of a booking the chat service consumes
type Appointment struct {
	ID        string `json:"id" gorm:"primaryKey;size:64"`
	PatientID string `json:"patientId" gorm:"size:64;index"`
	DoctorID  string `json:"doctorId" gorm:"size:64;index"`
	Status    Status `json:"status" gorm:"size:20"`
}

// TableName overrides the table name
func (Appointment) TableName() string {
	return "appointments"
}

// IsApproved reports whether chat may be provisioned for the appointment
func (a *Appointment) IsApproved() bool {
	return a.Status == StatusApproved
}

// HasParticipant reports whether userID is the appointment's patient or doctor
func (a *Appointment) HasParticipant(userID string) bool {
	return userID != "" && (userID == a.PatientID || userID == a.DoctorID)
}
