package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	apptmodels "clinic-chat/backend/appointment/models"
	apptrepo "clinic-chat/backend/appointment/repository"
	"clinic-chat/backend/chat/lifecycle"
	"clinic-chat/backend/chat/models"
	"clinic-chat/backend/chat/repository"
	apperrors "clinic-chat/backend/pkg/errors"
	"clinic-chat/backend/pkg/jwt"
	"clinic-chat/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	patientID = "patient-1"
	doctorID  = "doctor-1"
	window    = 120 * time.Hour
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedNotice struct {
	key    string
	userID string
}

type recordingNotifications struct {
	mu      sync.Mutex
	notices []recordedNotice
	claimed map[string]bool
}

func (r *recordingNotifications) Notify(userID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, recordedNotice{userID: userID})
}

func (r *recordingNotifications) NotifyOnce(key, userID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed == nil {
		r.claimed = make(map[string]bool)
	}
	if r.claimed[key] {
		return
	}
	r.claimed[key] = true
	r.notices = append(r.notices, recordedNotice{key: key, userID: userID})
}

func (r *recordingNotifications) keyed() []recordedNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedNotice
	for _, n := range r.notices {
		if n.key != "" {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	svc      *SessionService
	sessions *repository.MemorySessionRepository
	appts    *apptrepo.MemoryDirectory
	notices  *recordingNotifications
	clock    *fakeClock
}

func newFixture(t *testing.T, appts ...apptmodels.Appointment) *fixture {
	t.Helper()
	f := &fixture{
		sessions: repository.NewMemorySessionRepository(),
		appts:    apptrepo.NewMemoryDirectory(appts...),
		notices:  &recordingNotifications{},
		clock:    &fakeClock{now: t0},
	}
	f.svc = NewSessionService(f.sessions, f.appts, f.notices, nil, logger.Discard(), Config{
		ValidityWindow: window,
		Extension:      window,
	})
	f.svc.SetClock(f.clock.Now)
	return f
}

func approved(id string) apptmodels.Appointment {
	return apptmodels.Appointment{ID: id, PatientID: patientID, DoctorID: doctorID, Status: apptmodels.StatusApproved}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, code), "expected %s, got %v", code, err)
}

func TestCreateOrAccessProvisionsOneSessionUnderConcurrency(t *testing.T) {
	f := newFixture(t, approved("appt-1"))

	const callers = 32
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			requester := patientID
			if i%2 == 1 {
				requester = doctorID
			}
			view, err := f.svc.CreateOrAccess(context.Background(), "appt-1", requester, jwt.RolePatient)
			if assert.NoError(t, err) {
				ids[i] = view.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.sessions.Count())

	// one availability notice per participant
	notices := f.notices.keyed()
	require.Len(t, notices, 2)
	assert.ElementsMatch(t, []string{patientID, doctorID}, []string{notices[0].userID, notices[1].userID})
}

func TestCreateOrAccessReturnsExistingSession(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()

	first, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, first.Status)
	assert.Equal(t, t0.Add(window), first.ExpiresAt)

	f.clock.Advance(time.Hour)
	second, err := f.svc.CreateOrAccess(ctx, "appt-1", doctorID, jwt.RoleDoctor)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)
}

func TestCreateOrAccessAdmission(t *testing.T) {
	pending := approved("appt-pending")
	pending.Status = apptmodels.StatusPending
	f := newFixture(t, approved("appt-1"), pending)
	ctx := context.Background()

	_, err := f.svc.CreateOrAccess(ctx, "missing", patientID, jwt.RolePatient)
	assertCode(t, err, apperrors.CodeNotFound)

	_, err = f.svc.CreateOrAccess(ctx, "appt-pending", patientID, jwt.RolePatient)
	assertCode(t, err, apperrors.CodeInvalidState)

	_, err = f.svc.CreateOrAccess(ctx, "appt-1", "stranger", jwt.RolePatient)
	assertCode(t, err, apperrors.CodeForbidden)

	assert.Equal(t, 0, f.sessions.Count())
}

func TestSessionExpiresAfterWindow(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()

	view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.SendMessage(ctx, view.ID, patientID, "I still have a headache")
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, view.ID, doctorID, "Keep taking the medication")
	require.NoError(t, err)

	// exactly at the deadline the session is no longer usable
	f.clock.Advance(window - time.Hour)
	_, err = f.svc.SendMessage(ctx, view.ID, patientID, "Hello?")
	assertCode(t, err, apperrors.CodeInvalidState)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"reason": models.ReasonExpired}, appErr.Details)

	read, err := f.svc.Read(ctx, view.ID, patientID)
	require.NoError(t, err)
	assert.True(t, read.ReadOnly)
	assert.Equal(t, models.StatusArchived, read.Status)
	assert.Equal(t, models.ReasonExpired, read.Reason)
	require.Len(t, read.Messages, 2)
	assert.Equal(t, models.SenderPatient, read.Messages[0].SenderRole)
	assert.Equal(t, models.SenderDoctor, read.Messages[1].SenderRole)

	stored, err := f.sessions.GetByID(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsArchived)
	assert.False(t, stored.IsActive)
}

func TestDoctorEndArchivesImmediately(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()

	view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, view.ID, patientID, "Thanks doctor")
	require.NoError(t, err)

	_, err = f.svc.End(ctx, view.ID, patientID)
	assertCode(t, err, apperrors.CodeForbidden)

	ended, err := f.svc.End(ctx, view.ID, doctorID)
	require.NoError(t, err)
	assert.True(t, ended.ReadOnly)
	assert.True(t, ended.EndedByDoctor)
	assert.Equal(t, models.ReasonDoctorEnded, ended.Reason)

	stored, err := f.sessions.GetByID(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsArchived)

	_, err = f.svc.SendMessage(ctx, view.ID, patientID, "One more question")
	assertCode(t, err, apperrors.CodeInvalidState)

	read, err := f.svc.Read(ctx, view.ID, doctorID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonDoctorEnded, read.Reason)
	assert.Len(t, read.Messages, 1)

	_, err = f.svc.Extend(ctx, view.ID, doctorID)
	assertCode(t, err, apperrors.CodeInvalidState)

	again, err := f.svc.End(ctx, view.ID, doctorID)
	require.NoError(t, err)
	assert.True(t, again.ReadOnly)
}

func TestExtendIsAdditive(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()

	view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Extend(ctx, view.ID, doctorID)
	require.NoError(t, err)
	extended, err := f.svc.Extend(ctx, view.ID, doctorID)
	require.NoError(t, err)

	assert.Equal(t, t0.Add(3*window), extended.ExpiresAt)
	assert.False(t, extended.ReadOnly)

	_, err = f.svc.Extend(ctx, view.ID, patientID)
	assertCode(t, err, apperrors.CodeForbidden)
}

func TestExtendRescuesUnreconciledExpiry(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()

	view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)

	f.clock.Advance(window + time.Hour)
	extended, err := f.svc.Extend(ctx, view.ID, doctorID)
	require.NoError(t, err)
	assert.False(t, extended.ReadOnly)
	assert.Equal(t, t0.Add(2*window), extended.ExpiresAt)

	_, err = f.svc.SendMessage(ctx, view.ID, patientID, "Back again")
	assert.NoError(t, err)
}

func TestExtendTooLateArchivesWithoutNotice(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()

	view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)

	f.notices.mu.Lock()
	before := len(f.notices.notices)
	f.notices.mu.Unlock()

	f.clock.Advance(2*window + time.Hour)
	_, err = f.svc.Extend(ctx, view.ID, doctorID)
	assertCode(t, err, apperrors.CodeInvalidState)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, map[string]string{"reason": "expired"}, appErr.Details)

	f.notices.mu.Lock()
	assert.Len(t, f.notices.notices, before)
	f.notices.mu.Unlock()

	stored, err := f.sessions.GetByID(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsArchived)
	assert.Equal(t, t0.Add(2*window), stored.ExpiresAt)
}

func TestExtendAfterArchivalFails(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()

	view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)

	f.clock.Advance(window)
	_, err = f.svc.Read(ctx, view.ID, patientID)
	require.NoError(t, err)

	_, err = f.svc.Extend(ctx, view.ID, doctorID)
	assertCode(t, err, apperrors.CodeInvalidState)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()

	view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, view.ID, patientID, "   ")
	assertCode(t, err, apperrors.CodeInvalidInput)

	_, err = f.svc.SendMessage(ctx, view.ID, patientID, strings.Repeat("a", 4001))
	assertCode(t, err, apperrors.CodeInvalidInput)

	_, err = f.svc.SendMessage(ctx, view.ID, "stranger", "hi")
	assertCode(t, err, apperrors.CodeForbidden)

	_, err = f.svc.SendMessage(ctx, "missing", patientID, "hi")
	assertCode(t, err, apperrors.CodeNotFound)

	sent, err := f.svc.SendMessage(ctx, view.ID, patientID, "  trimmed  ")
	require.NoError(t, err)
	assert.Equal(t, "trimmed", sent.Messages[0].Text)
}

func TestSendMessageNotifiesCounterpart(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()

	view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, view.ID, patientID, "hello")
	require.NoError(t, err)

	f.notices.mu.Lock()
	defer f.notices.mu.Unlock()
	last := f.notices.notices[len(f.notices.notices)-1]
	assert.Equal(t, doctorID, last.userID)
	assert.Empty(t, last.key)
}

func TestConcurrentSendersLoseNoMessages(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()
	// enough headroom for every writer to eventually win
	f.svc.config.MaxRetries = 100

	view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []string{patientID, doctorID} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.svc.SendMessage(ctx, view.ID, sender, "message")
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	assert.Equal(t, 2*perSender, f.sessions.MessageCount(view.ID))

	read, err := f.svc.Read(ctx, view.ID, patientID)
	require.NoError(t, err)
	for i := 1; i < len(read.Messages); i++ {
		assert.Less(t, read.Messages[i-1].ID, read.Messages[i].ID)
	}
}

func TestDiscover(t *testing.T) {
	t.Run("no approved appointments", func(t *testing.T) {
		pending := approved("appt-1")
		pending.Status = apptmodels.StatusPending
		f := newFixture(t, pending)

		_, err := f.svc.Discover(context.Background(), patientID, jwt.RolePatient)
		assertCode(t, err, apperrors.CodeNotFound)
	})

	t.Run("provisions every approved appointment", func(t *testing.T) {
		f := newFixture(t, approved("appt-1"), approved("appt-2"))

		result, err := f.svc.Discover(context.Background(), patientID, jwt.RolePatient)
		require.NoError(t, err)
		assert.Len(t, result.Active, 2)
		assert.Empty(t, result.Archived)
		assert.False(t, result.AllArchived)
		assert.Equal(t, 2, f.sessions.Count())
	})

	t.Run("all sessions archived", func(t *testing.T) {
		f := newFixture(t, approved("appt-1"))
		ctx := context.Background()

		view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
		require.NoError(t, err)
		_, err = f.svc.End(ctx, view.ID, doctorID)
		require.NoError(t, err)

		result, err := f.svc.Discover(ctx, patientID, jwt.RolePatient)
		require.NoError(t, err)
		assert.True(t, result.AllArchived)
		assert.Empty(t, result.Active)
		require.Len(t, result.Archived, 1)
		assert.Equal(t, view.ID, result.Archived[0].ID)
	})
}

func TestListPartitionsByRecentActivity(t *testing.T) {
	f := newFixture(t, approved("appt-1"), approved("appt-2"), approved("appt-3"))
	ctx := context.Background()

	ids := map[string]string{}
	for _, appt := range []string{"appt-1", "appt-2", "appt-3"} {
		view, err := f.svc.CreateOrAccess(ctx, appt, patientID, jwt.RolePatient)
		require.NoError(t, err)
		ids[appt] = view.ID
	}

	f.clock.Advance(time.Hour)
	_, err := f.svc.SendMessage(ctx, ids["appt-1"], patientID, "newest")
	require.NoError(t, err)
	_, err = f.svc.End(ctx, ids["appt-3"], doctorID)
	require.NoError(t, err)

	list, err := f.svc.List(ctx, patientID)
	require.NoError(t, err)
	require.Len(t, list.Active, 2)
	assert.Equal(t, ids["appt-1"], list.Active[0].ID)
	assert.Equal(t, ids["appt-2"], list.Active[1].ID)
	require.Len(t, list.Archived, 1)
	assert.Equal(t, ids["appt-3"], list.Archived[0].ID)

	others, err := f.svc.List(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, others.Active)
	assert.Empty(t, others.Archived)
}

func TestProvisionApproved(t *testing.T) {
	pending := approved("appt-2")
	pending.Status = apptmodels.StatusPending
	f := newFixture(t, approved("appt-1"), pending)
	ctx := context.Background()

	first, err := f.svc.ProvisionApproved(ctx, "appt-1")
	require.NoError(t, err)
	second, err := f.svc.ProvisionApproved(ctx, "appt-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = f.svc.ProvisionApproved(ctx, "appt-2")
	assertCode(t, err, apperrors.CodeInvalidState)
}

func TestReadRequiresParticipant(t *testing.T) {
	f := newFixture(t, approved("appt-1"))
	ctx := context.Background()

	view, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)

	_, err = f.svc.Read(ctx, view.ID, "stranger")
	assertCode(t, err, apperrors.CodeForbidden)

	_, err = f.svc.Read(ctx, "missing", patientID)
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestReconcileDueArchivesExpired(t *testing.T) {
	f := newFixture(t, approved("appt-1"), approved("appt-2"))
	ctx := context.Background()

	_, err := f.svc.CreateOrAccess(ctx, "appt-1", patientID, jwt.RolePatient)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.svc.CreateOrAccess(ctx, "appt-2", patientID, jwt.RolePatient)
	require.NoError(t, err)

	f.clock.Advance(window - 30*time.Minute)
	n, err := f.svc.ReconcileDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.ReconcileDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewSessionServiceDefaults(t *testing.T) {
	svc := NewSessionService(repository.NewMemorySessionRepository(), apptrepo.NewMemoryDirectory(), &recordingNotifications{}, nil, logger.Discard(), Config{})
	assert.Equal(t, lifecycle.DefaultWindow, svc.config.ValidityWindow)
	assert.Equal(t, lifecycle.DefaultWindow, svc.config.Extension)
	assert.Equal(t, 5, svc.config.MaxRetries)
	assert.Equal(t, 4000, svc.config.MaxMessageLength)
}
