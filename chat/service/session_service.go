package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	apptmodels "clinic-chat/backend/appointment/models"
	apptrepo "clinic-chat/backend/appointment/repository"
	"clinic-chat/backend/chat/lifecycle"
	"clinic-chat/backend/chat/models"
	"clinic-chat/backend/chat/repository"
	apperrors "clinic-chat/backend/pkg/errors"
	"clinic-chat/backend/pkg/jwt"
	"clinic-chat/backend/pkg/logger"
	"clinic-chat/backend/shared/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notifications is the fire-and-forget side channel to participants
type Notifications interface {
	Notify(userID, text string)
	NotifyOnce(key, userID, text string)
}

// Config tunes session lifecycle behaviour
type Config struct {
	ValidityWindow   time.Duration
	Extension        time.Duration
	MaxRetries       int
	MaxMessageLength int
}

// DefaultConfig returns the production lifecycle settings
func DefaultConfig() Config {
	return Config{
		ValidityWindow:   lifecycle.DefaultWindow,
		Extension:        lifecycle.DefaultWindow,
		MaxRetries:       5,
		MaxMessageLength: 4000,
	}
}

// SessionService runs every chat session operation as reload, reconcile,
// mutate, persist. No session state is kept between calls.
type SessionService struct {
	sessions     repository.SessionRepository
	appointments apptrepo.Directory
	notifier     Notifications
	metrics      *observability.ChatMetrics
	log          *logger.Logger
	config       Config
	now          func() time.Time
	tracer       trace.Tracer
}

func NewSessionService(
	sessions repository.SessionRepository,
	appointments apptrepo.Directory,
	notifier Notifications,
	metrics *observability.ChatMetrics,
	log *logger.Logger,
	config Config,
) *SessionService {
	def := DefaultConfig()
	if config.ValidityWindow <= 0 {
		config.ValidityWindow = def.ValidityWindow
	}
	if config.Extension <= 0 {
		config.Extension = def.Extension
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.MaxMessageLength <= 0 {
		config.MaxMessageLength = def.MaxMessageLength
	}

	return &SessionService{
		sessions:     sessions,
		appointments: appointments,
		notifier:     notifier,
		metrics:      metrics,
		log:          log,
		config:       config,
		now:          time.Now,
		tracer:       otel.Tracer("clinic-chat/backend/chat/service"),
	}
}

// SetClock replaces the wall clock, for tests
func (s *SessionService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateOrAccess returns the session for an approved appointment, creating it
// on first access. Concurrent callers always converge on one session.
func (s *SessionService) CreateOrAccess(ctx context.Context, appointmentID, requesterID string, role jwt.Role) (view *models.SessionView, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.CreateOrAccess", trace.WithAttributes(
		attribute.String("chat.appointment_id", appointmentID),
		attribute.String("chat.requester_role", string(role)),
	))
	defer func() { endSpan(span, err) }()

	appt, err := s.loadAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !appt.IsApproved() {
		return nil, apperrors.NewInvalidState("appointment is not approved yet").
			WithDetails(map[string]string{"status": string(appt.Status)})
	}
	if !appt.HasParticipant(requesterID) {
		return nil, apperrors.NewForbidden("you are not a participant of this appointment")
	}

	sess, err := s.findOrCreate(ctx, appt)
	if err != nil {
		return nil, err
	}

	v := lifecycle.View(sess, s.now(), true)
	return &v, nil
}

// ProvisionApproved handles the appointment-approved event from the booking workflow
func (s *SessionService) ProvisionApproved(ctx context.Context, appointmentID string) (view *models.SessionView, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.ProvisionApproved", trace.WithAttributes(
		attribute.String("chat.appointment_id", appointmentID),
	))
	defer func() { endSpan(span, err) }()

	appt, err := s.loadAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !appt.IsApproved() {
		return nil, apperrors.NewInvalidState("appointment is not approved yet")
	}

	sess, err := s.findOrCreate(ctx, appt)
	if err != nil {
		return nil, err
	}

	v := lifecycle.View(sess, s.now(), false)
	return &v, nil
}

// Discover provisions and partitions sessions for all of the requester's approved appointments
func (s *SessionService) Discover(ctx context.Context, requesterID string, role jwt.Role) (result *models.Discovery, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.Discover", trace.WithAttributes(
		attribute.String("chat.requester_role", string(role)),
	))
	defer func() { endSpan(span, err) }()

	appts, err := s.appointments.ListApproved(ctx, requesterID, role)
	if err != nil {
		return nil, apperrors.NewUnavailable("failed to list appointments", err)
	}
	if len(appts) == 0 {
		return nil, apperrors.NewNotFound("no approved appointments found")
	}

	sessions := make([]*models.ChatSession, 0, len(appts))
	for i := range appts {
		sess, err := s.findOrCreate(ctx, &appts[i])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	active, archived := s.partition(sessions)
	return &models.Discovery{
		Active:      active,
		Archived:    archived,
		AllArchived: len(active) == 0,
	}, nil
}

// Read returns a session for display. Archived sessions are returned read-only, never as an error.
func (s *SessionService) Read(ctx context.Context, sessionID, requesterID string) (view *models.SessionView, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.Read", trace.WithAttributes(
		attribute.String("chat.session_id", sessionID),
	))
	defer func() { endSpan(span, err) }()

	sess, err := s.loadParticipant(ctx, sessionID, requesterID)
	if err != nil {
		return nil, err
	}
	if sess, err = s.reconcile(ctx, sess); err != nil {
		return nil, err
	}

	v := lifecycle.View(sess, s.now(), true)
	return &v, nil
}

// List returns the requester's sessions split into active and archived, newest activity first
func (s *SessionService) List(ctx context.Context, requesterID string) (list *models.SessionList, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.List")
	defer func() { endSpan(span, err) }()

	stored, err := s.sessions.ListByParticipant(ctx, requesterID)
	if err != nil {
		return nil, apperrors.NewUnavailable("failed to list chat sessions", err)
	}

	sessions := make([]*models.ChatSession, 0, len(stored))
	for _, sess := range stored {
		sess, err := s.reconcile(ctx, sess)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	active, archived := s.partition(sessions)
	return &models.SessionList{Active: active, Archived: archived}, nil
}

// SendMessage appends a message if the session is usable after reconciliation
func (s *SessionService) SendMessage(ctx context.Context, sessionID, senderID, text string) (view *models.SessionView, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.SendMessage", trace.WithAttributes(
		attribute.String("chat.session_id", sessionID),
	))
	defer func() { endSpan(span, err) }()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.NewInvalidInput("message text is required")
	}
	if utf8.RuneCountInString(text) > s.config.MaxMessageLength {
		return nil, apperrors.NewInvalidInput(fmt.Sprintf("message text exceeds %d characters", s.config.MaxMessageLength))
	}

	var sess *models.ChatSession
	for attempt := 0; ; attempt++ {
		sess, err = s.loadParticipant(ctx, sessionID, senderID)
		if err != nil {
			return nil, err
		}
		if sess, err = s.reconcile(ctx, sess); err != nil {
			return nil, err
		}

		now := s.now()
		if !lifecycle.IsUsable(sess, now) {
			reason := lifecycle.Reason(sess, now)
			s.metrics.MessageRejected(ctx, reason)
			return nil, apperrors.NewInvalidState("chat session has expired or been ended").
				WithDetails(map[string]string{"reason": reason})
		}

		sess.UpdatedAt = now
		msg := &models.ChatMessage{SenderID: senderID, Text: text, SentAt: now}
		err = s.sessions.AppendMessage(ctx, sess, msg)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrStale) || attempt >= s.config.MaxRetries {
			return nil, apperrors.NewUnavailable("failed to store message", err)
		}
		s.metrics.OptimisticRetry(ctx, "send")
	}

	s.metrics.MessageSent(ctx)
	s.notifier.Notify(sess.Counterpart(senderID), "You have a new chat message.")

	v := lifecycle.View(sess, s.now(), true)
	return &v, nil
}

// Extend adds the extension window to the current deadline. Archived and
// doctor-ended sessions cannot be extended.
func (s *SessionService) Extend(ctx context.Context, sessionID, doctorID string) (view *models.SessionView, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.Extend", trace.WithAttributes(
		attribute.String("chat.session_id", sessionID),
	))
	defer func() { endSpan(span, err) }()

	var sess *models.ChatSession
	for attempt := 0; ; attempt++ {
		sess, err = s.loadDoctor(ctx, sessionID, doctorID)
		if err != nil {
			return nil, err
		}

		if !lifecycle.CanExtend(sess) {
			if sess, err = s.reconcile(ctx, sess); err != nil {
				return nil, err
			}
			return nil, apperrors.NewInvalidState("chat session has been archived and cannot be extended").
				WithDetails(map[string]string{"reason": lifecycle.Reason(sess, s.now())})
		}

		now := s.now()
		lifecycle.Extend(sess, s.config.Extension, now)
		archived := lifecycle.Reconcile(sess, now)

		err = s.sessions.Save(ctx, sess)
		if err == nil {
			if archived {
				// one extension window could not bring the deadline back past now
				s.archived(ctx, sess, now)
				return nil, apperrors.NewInvalidState("chat session has been archived and cannot be extended").
					WithDetails(map[string]string{"reason": lifecycle.Reason(sess, now)})
			}
			break
		}
		if !errors.Is(err, repository.ErrStale) || attempt >= s.config.MaxRetries {
			return nil, apperrors.NewUnavailable("failed to extend chat session", err)
		}
		s.metrics.OptimisticRetry(ctx, "extend")
	}

	s.log.WithSession(sess.ID, sess.AppointmentID).Info("Chat session extended",
		"expires_at", sess.ExpiresAt.Format(time.RFC3339),
	)
	s.notifier.Notify(sess.PatientID, "Your doctor extended your chat session.")

	v := lifecycle.View(sess, s.now(), true)
	return &v, nil
}

// End terminates the session on the doctor's behalf and archives it immediately
func (s *SessionService) End(ctx context.Context, sessionID, doctorID string) (view *models.SessionView, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.End", trace.WithAttributes(
		attribute.String("chat.session_id", sessionID),
	))
	defer func() { endSpan(span, err) }()

	var sess *models.ChatSession
	for attempt := 0; ; attempt++ {
		sess, err = s.loadDoctor(ctx, sessionID, doctorID)
		if err != nil {
			return nil, err
		}
		if sess.IsArchived {
			v := lifecycle.View(sess, s.now(), true)
			return &v, nil
		}

		now := s.now()
		lifecycle.End(sess, now)
		lifecycle.Reconcile(sess, now)

		err = s.sessions.Save(ctx, sess)
		if err == nil {
			s.archived(ctx, sess, now)
			break
		}
		if !errors.Is(err, repository.ErrStale) || attempt >= s.config.MaxRetries {
			return nil, apperrors.NewUnavailable("failed to end chat session", err)
		}
		s.metrics.OptimisticRetry(ctx, "end")
	}

	s.notifier.Notify(sess.PatientID, "Your doctor has ended the chat session.")

	v := lifecycle.View(sess, s.now(), true)
	return &v, nil
}

// ReconcileDue archives up to limit sessions whose deadline passed or that a
// doctor ended, using the same rule as every request path
func (s *SessionService) ReconcileDue(ctx context.Context, limit int) (int, error) {
	candidates, err := s.sessions.ListReconcileCandidates(ctx, s.now(), limit)
	if err != nil {
		return 0, apperrors.NewUnavailable("failed to list sessions to reconcile", err)
	}

	archived := 0
	for _, sess := range candidates {
		wasArchived := sess.IsArchived
		sess, err := s.reconcile(ctx, sess)
		if err != nil {
			return archived, err
		}
		if !wasArchived && sess.IsArchived {
			archived++
		}
	}
	return archived, nil
}

// findOrCreate looks the session up by appointment and creates it if absent.
// Losing a concurrent create is not an error: the winner's row is read back.
func (s *SessionService) findOrCreate(ctx context.Context, appt *apptmodels.Appointment) (*models.ChatSession, error) {
	for attempt := 0; ; attempt++ {
		sess, err := s.sessions.GetByAppointment(ctx, appt.ID)
		if err == nil {
			return s.reconcile(ctx, sess)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewUnavailable("failed to load chat session", err)
		}

		sess = lifecycle.NewSession(appt, s.now(), s.config.ValidityWindow)
		err = s.sessions.Create(ctx, sess)
		if err == nil {
			s.created(ctx, sess)
			return s.reconcile(ctx, sess)
		}
		if !errors.Is(err, repository.ErrDuplicate) || attempt >= s.config.MaxRetries {
			return nil, apperrors.NewUnavailable("failed to create chat session", err)
		}
		s.metrics.ProvisionConflict(ctx)
	}
}

// reconcile persists any lifecycle transition observed at now. On a lost
// race it reloads and re-evaluates, so the stored state always wins.
func (s *SessionService) reconcile(ctx context.Context, sess *models.ChatSession) (*models.ChatSession, error) {
	for attempt := 0; ; attempt++ {
		now := s.now()
		if !lifecycle.Reconcile(sess, now) {
			return sess, nil
		}

		err := s.sessions.Save(ctx, sess)
		if err == nil {
			s.archived(ctx, sess, now)
			return sess, nil
		}
		if !errors.Is(err, repository.ErrStale) || attempt >= s.config.MaxRetries {
			return nil, apperrors.NewUnavailable("failed to archive chat session", err)
		}
		s.metrics.OptimisticRetry(ctx, "reconcile")

		if sess, err = s.sessions.GetByID(ctx, sess.ID); err != nil {
			return nil, storeError(err)
		}
	}
}

func (s *SessionService) loadAppointment(ctx context.Context, appointmentID string) (*apptmodels.Appointment, error) {
	appt, err := s.appointments.Get(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, apptrepo.ErrNotFound) {
			return nil, apperrors.NewNotFound("appointment not found")
		}
		return nil, apperrors.NewUnavailable("failed to load appointment", err)
	}
	return appt, nil
}

func (s *SessionService) loadParticipant(ctx context.Context, sessionID, userID string) (*models.ChatSession, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, storeError(err)
	}
	if !sess.HasParticipant(userID) {
		return nil, apperrors.NewForbidden("you are not a participant of this chat session")
	}
	return sess, nil
}

func (s *SessionService) loadDoctor(ctx context.Context, sessionID, doctorID string) (*models.ChatSession, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, storeError(err)
	}
	if !sess.IsDoctor(doctorID) {
		return nil, apperrors.NewForbidden("only the session's doctor can do this")
	}
	return sess, nil
}

func (s *SessionService) partition(sessions []*models.ChatSession) (active, archived []models.SessionView) {
	now := s.now()
	active = []models.SessionView{}
	archived = []models.SessionView{}
	for _, sess := range sessions {
		v := lifecycle.View(sess, now, false)
		if v.ReadOnly {
			archived = append(archived, v)
		} else {
			active = append(active, v)
		}
	}
	byRecent := func(views []models.SessionView) {
		sort.SliceStable(views, func(i, j int) bool { return views[i].UpdatedAt.After(views[j].UpdatedAt) })
	}
	byRecent(active)
	byRecent(archived)
	return active, archived
}

func (s *SessionService) created(ctx context.Context, sess *models.ChatSession) {
	s.metrics.SessionCreated(ctx)
	s.log.WithSession(sess.ID, sess.AppointmentID).Info("Chat session created",
		"expires_at", sess.ExpiresAt.Format(time.RFC3339),
	)

	text := "Chat with your care team is now available for your approved appointment."
	for _, userID := range []string{sess.PatientID, sess.DoctorID} {
		s.notifier.NotifyOnce("chat-available:"+sess.ID+":"+userID, userID, text)
	}
}

func (s *SessionService) archived(ctx context.Context, sess *models.ChatSession, now time.Time) {
	reason := lifecycle.Reason(sess, now)
	s.metrics.SessionArchived(ctx, reason)
	s.log.WithSession(sess.ID, sess.AppointmentID).Info("Chat session archived", "reason", reason)
}

func storeError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NewNotFound("chat session not found")
	}
	return apperrors.NewUnavailable("failed to load chat session", err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
