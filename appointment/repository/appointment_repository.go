package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"clinic-chat/backend/appointment/models"
	"clinic-chat/backend/pkg/jwt"

	"gorm.io/gorm"
)

// ErrNotFound is returned when an appointment does not exist
var ErrNotFound = errors.New("appointment not found")

// Directory reads appointments owned by the booking subsystem
type Directory interface {
	Get(ctx context.Context, id string) (*models.Appointment, error)
	// ListApproved returns approved appointments the user takes part in.
	// Patients match on patient_id, doctors on doctor_id, anyone else on either.
	ListApproved(ctx context.Context, userID string, role jwt.Role) ([]models.Appointment, error)
}

type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) Get(ctx context.Context, id string) (*models.Appointment, error) {
	var appt models.Appointment
	err := d.db.WithContext(ctx).Where("id = ?", id).First(&appt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &appt, nil
}

func (d *GormDirectory) ListApproved(ctx context.Context, userID string, role jwt.Role) ([]models.Appointment, error) {
	q := d.db.WithContext(ctx).Where("status = ?", models.StatusApproved)
	switch role {
	case jwt.RolePatient:
		q = q.Where("patient_id = ?", userID)
	case jwt.RoleDoctor:
		q = q.Where("doctor_id = ?", userID)
	default:
		q = q.Where("(patient_id = ? OR doctor_id = ?)", userID, userID)
	}

	var appts []models.Appointment
	err := q.Order("id ASC").Find(&appts).Error
	return appts, err
}

// MemoryDirectory is an in-process Directory for tests and local runs
type MemoryDirectory struct {
	mu    sync.RWMutex
	appts map[string]models.Appointment
}

func NewMemoryDirectory(appts ...models.Appointment) *MemoryDirectory {
	d := &MemoryDirectory{appts: make(map[string]models.Appointment)}
	for _, a := range appts {
		d.Put(a)
	}
	return d
}

// Put inserts or replaces an appointment
func (d *MemoryDirectory) Put(a models.Appointment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appts[a.ID] = a
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (*models.Appointment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (d *MemoryDirectory) ListApproved(_ context.Context, userID string, role jwt.Role) ([]models.Appointment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []models.Appointment
	for _, a := range d.appts {
		if !a.IsApproved() {
			continue
		}
		var match bool
		switch role {
		case jwt.RolePatient:
			match = a.PatientID == userID
		case jwt.RoleDoctor:
			match = a.DoctorID == userID
		default:
			match = a.HasParticipant(userID)
		}
		if match {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
