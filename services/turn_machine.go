package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LSY1007/NextEnterBack-sub000/models"
	"github.com/LSY1007/NextEnterBack-sub000/repository"
	"github.com/google/uuid"
)

// TurnMachine owns the lifecycle rules of an interview session. It never
// locks; callers serialise mutations per session and pass the store (or
// transaction) to act on.
type TurnMachine struct {
	now func() time.Time
}

func NewTurnMachine() *TurnMachine {
	return &TurnMachine{now: func() time.Time { return time.Now().UTC() }}
}

type StartParams struct {
	OwnerID           string
	ResumeReferenceID string
	ResumeSnapshot    string
	JobCategory       string
	Difficulty        models.Difficulty
	TotalTurns        int
}

func (p StartParams) validate() error {
	if strings.TrimSpace(p.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if strings.TrimSpace(p.JobCategory) == "" {
		return fmt.Errorf("%w: job category is required", ErrValidation)
	}
	if !p.Difficulty.Valid() {
		return fmt.Errorf("%w: difficulty must be %s or %s, got %q", ErrValidation, models.DifficultyJunior, models.DifficultySenior, p.Difficulty)
	}
	if p.TotalTurns < 1 {
		return fmt.Errorf("%w: total turns must be at least 1, got %d", ErrValidation, p.TotalTurns)
	}
	return nil
}

// Start creates a session in IN_PROGRESS at turn 0.
func (m *TurnMachine) Start(ctx context.Context, store repository.SessionStore, p StartParams) (*models.InterviewSession, error) {
	session, err := m.NewSession(p)
	if err != nil {
		return nil, err
	}
	if err := m.Create(ctx, store, session); err != nil {
		return nil, err
	}
	return session, nil
}

// NewSession builds an unsaved IN_PROGRESS session at turn 0.
func (m *TurnMachine) NewSession(p StartParams) (*models.InterviewSession, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := m.now()
	return &models.InterviewSession{
		ID:                uuid.New().String(),
		OwnerID:           p.OwnerID,
		ResumeReferenceID: p.ResumeReferenceID,
		ResumeSnapshot:    p.ResumeSnapshot,
		JobCategory:       strings.TrimSpace(p.JobCategory),
		Difficulty:        p.Difficulty,
		TotalTurns:        p.TotalTurns,
		CurrentTurn:       0,
		Status:            models.StatusInProgress,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Create saves a session built by NewSession.
func (m *TurnMachine) Create(ctx context.Context, store repository.SessionStore, session *models.InterviewSession) error {
	if err := store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, repository.ErrActiveSessionExists) {
			return fmt.Errorf("%w: owner %s", ErrConflict, session.OwnerID)
		}
		return err
	}
	return nil
}

// RecordQuestion appends the interviewer's question for turnNumber. The first
// question opens turn 1; every later question belongs to the turn the session
// has just advanced to.
func (m *TurnMachine) RecordQuestion(ctx context.Context, store repository.Store, session *models.InterviewSession, turnNumber int, text string) (*models.InterviewMessage, error) {
	if err := requireInProgress(session); err != nil {
		return nil, err
	}
	expected := session.CurrentTurn
	if expected == 0 {
		expected = 1
	}
	if turnNumber != expected {
		return nil, fmt.Errorf("%w: question for turn %d while session is at turn %d", ErrState, turnNumber, session.CurrentTurn)
	}

	message, err := store.AppendMessage(ctx, session.ID, turnNumber, models.RoleInterviewer, text)
	if err != nil {
		return nil, translateLogError(err)
	}

	if session.CurrentTurn == 0 {
		session.CurrentTurn = 1
		if err := store.UpdateSession(ctx, session); err != nil {
			return nil, err
		}
	}
	return message, nil
}

// CheckAnswerable reports whether the current turn is open for an answer.
func (m *TurnMachine) CheckAnswerable(ctx context.Context, store repository.MessageLog, session *models.InterviewSession) error {
	if err := requireInProgress(session); err != nil {
		return err
	}
	if session.CurrentTurn < 1 {
		return fmt.Errorf("%w: no question has been asked yet", ErrState)
	}
	latest, err := store.FindLatestCandidateMessage(ctx, session.ID)
	if err != nil {
		return err
	}
	if latest != nil && latest.TurnNumber >= session.CurrentTurn {
		return fmt.Errorf("%w: turn %d is already answered, modify it instead", ErrState, session.CurrentTurn)
	}
	return nil
}

// RecordAnswer appends the candidate's answer at the current turn.
func (m *TurnMachine) RecordAnswer(ctx context.Context, store repository.Store, session *models.InterviewSession, text string) (*models.InterviewMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: answer must not be empty", ErrValidation)
	}
	if err := m.CheckAnswerable(ctx, store, session); err != nil {
		return nil, err
	}

	message, err := store.AppendMessage(ctx, session.ID, session.CurrentTurn, models.RoleCandidate, text)
	if err != nil {
		return nil, translateLogError(err)
	}
	return message, nil
}

// Advance moves the session to the next turn after an answer that did not finish it.
func (m *TurnMachine) Advance(ctx context.Context, store repository.SessionStore, session *models.InterviewSession) error {
	if err := requireInProgress(session); err != nil {
		return err
	}
	if session.CurrentTurn >= session.TotalTurns {
		return fmt.Errorf("%w: turn %d is the last of %d, complete the session instead", ErrState, session.CurrentTurn, session.TotalTurns)
	}
	session.CurrentTurn++
	return store.UpdateSession(ctx, session)
}

// Complete closes the session once the last turn has been answered.
func (m *TurnMachine) Complete(ctx context.Context, store repository.SessionStore, session *models.InterviewSession, score int, feedback string) error {
	if err := requireInProgress(session); err != nil {
		return err
	}
	if session.CurrentTurn != session.TotalTurns {
		return fmt.Errorf("%w: cannot complete at turn %d of %d", ErrState, session.CurrentTurn, session.TotalTurns)
	}
	if score < 0 || score > 100 {
		return fmt.Errorf("%w: final score %d outside 0-100", ErrValidation, score)
	}

	completedAt := m.now()
	session.Status = models.StatusCompleted
	session.FinalScore = &score
	session.FinalFeedback = &feedback
	session.CompletedAt = &completedAt
	if err := store.UpdateSession(ctx, session); err != nil {
		return err
	}
	slog.Info("Interview completed", "session_id", session.ID, "owner_id", session.OwnerID, "score", score)
	return nil
}

func (m *TurnMachine) Cancel(ctx context.Context, store repository.SessionStore, session *models.InterviewSession) error {
	if err := requireInProgress(session); err != nil {
		return err
	}
	completedAt := m.now()
	session.Status = models.StatusCancelled
	session.CompletedAt = &completedAt
	if err := store.UpdateSession(ctx, session); err != nil {
		return err
	}
	slog.Info("Interview cancelled", "session_id", session.ID, "owner_id", session.OwnerID, "turn", session.CurrentTurn)
	return nil
}

// ModifyAnswer rewrites the answer of the highest answered turn in place and
// touches the session so an edit counts as activity. The target is looked up
// in the log, never derived from CurrentTurn.
func (m *TurnMachine) ModifyAnswer(ctx context.Context, store repository.Store, session *models.InterviewSession, text string) (*models.InterviewMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: answer must not be empty", ErrValidation)
	}
	if err := requireInProgress(session); err != nil {
		return nil, err
	}

	message, err := store.FindLatestCandidateMessage(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if message == nil {
		return nil, fmt.Errorf("%w: session %s has no answer to modify", ErrNotFound, session.ID)
	}
	if err := store.UpdateMessageText(ctx, message, text); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: answer for turn %d", ErrNotFound, message.TurnNumber)
		}
		return nil, translateLogError(err)
	}
	if err := store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	return message, nil
}

func requireInProgress(session *models.InterviewSession) error {
	if session.Status != models.StatusInProgress {
		return fmt.Errorf("%w: session %s is %s", ErrState, session.ID, session.Status)
	}
	return nil
}

func translateLogError(err error) error {
	if errors.Is(err, repository.ErrInvalidMessage) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return err
}
