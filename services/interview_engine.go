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
)

const DefaultProviderTimeout = 20 * time.Second

// Notification event kinds.
const (
	EventInterviewStarted   = "interview.started"
	EventAnswerRecorded     = "interview.answer_recorded"
	EventAnswerModified     = "interview.answer_modified"
	EventInterviewCompleted = "interview.completed"
	EventInterviewCancelled = "interview.cancelled"
)

// NotificationSink delivers events to an owner. Implementations must not block.
type NotificationSink interface {
	Notify(ctx context.Context, ownerID, eventKind string, payload any) error
}

type discardSink struct{}

func (discardSink) Notify(context.Context, string, string, any) error { return nil }

type StartInterviewRequest struct {
	ResumeReferenceID string            `json:"resume_reference_id"`
	JobCategory       string            `json:"job_category"`
	Difficulty        models.Difficulty `json:"difficulty"`
	// TotalTurns falls back to models.DefaultTotalTurns when zero.
	TotalTurns int `json:"total_turns"`
}

// TurnResponse is what the caller sees after each engine step.
type TurnResponse struct {
	SessionID     string               `json:"session_id"`
	Status        models.SessionStatus `json:"status"`
	CurrentTurn   int                  `json:"current_turn"`
	TotalTurns    int                  `json:"total_turns"`
	AnsweredTurn  int                  `json:"answered_turn,omitempty"`
	Question      string               `json:"question,omitempty"`
	FinalScore    *int                 `json:"final_score,omitempty"`
	FinalFeedback *string              `json:"final_feedback,omitempty"`
}

func newTurnResponse(session *models.InterviewSession) *TurnResponse {
	return &TurnResponse{
		SessionID:     session.ID,
		Status:        session.Status,
		CurrentTurn:   session.CurrentTurn,
		TotalTurns:    session.TotalTurns,
		FinalScore:    session.FinalScore,
		FinalFeedback: session.FinalFeedback,
	}
}

type InterviewResult struct {
	Session     models.InterviewSession   `json:"session"`
	Transcript  []models.InterviewMessage `json:"transcript"`
	Annotations []models.Annotation       `json:"annotations"`
}

type EngineOption func(*InterviewEngine)

func WithResumeProvider(p ResumeProvider) EngineOption {
	return func(e *InterviewEngine) { e.resumes = p }
}

func WithNotificationSink(sink NotificationSink) EngineOption {
	return func(e *InterviewEngine) { e.notifier = sink }
}

func WithProviderTimeout(timeout time.Duration) EngineOption {
	return func(e *InterviewEngine) {
		if timeout > 0 {
			e.providerTimeout = timeout
		}
	}
}

// InterviewEngine runs interviews: it checks ownership, serialises mutations
// per session, talks to the question provider and kicks off reflection.
type InterviewEngine struct {
	store           repository.Store
	annotations     repository.AnnotationStore
	machine         *TurnMachine
	questions       QuestionProvider
	resumes         ResumeProvider
	notifier        NotificationSink
	pipeline        *ReflectionPipeline
	providerTimeout time.Duration

	sessionLocks *keyedMutex
	ownerLocks   *keyedMutex
}

func NewInterviewEngine(store repository.Store, annotations repository.AnnotationStore, questions QuestionProvider, pipeline *ReflectionPipeline, opts ...EngineOption) *InterviewEngine {
	e := &InterviewEngine{
		store:           store,
		annotations:     annotations,
		machine:         NewTurnMachine(),
		questions:       questions,
		resumes:         NoResumeProvider{},
		notifier:        discardSink{},
		pipeline:        pipeline,
		providerTimeout: DefaultProviderTimeout,
		sessionLocks:    newKeyedMutex(),
		ownerLocks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *InterviewEngine) StartInterview(ctx context.Context, ownerID string, req StartInterviewRequest) (*TurnResponse, error) {
	if req.TotalTurns == 0 {
		req.TotalTurns = models.DefaultTotalTurns
	}
	params := StartParams{
		OwnerID:           ownerID,
		ResumeReferenceID: strings.TrimSpace(req.ResumeReferenceID),
		JobCategory:       req.JobCategory,
		Difficulty:        models.Difficulty(strings.ToUpper(strings.TrimSpace(string(req.Difficulty)))),
		TotalTurns:        req.TotalTurns,
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	unlockOwner := e.ownerLocks.Lock(ownerID)
	defer unlockOwner()

	if err := e.checkNoActiveSession(ctx, ownerID); err != nil {
		return nil, err
	}

	resume, err := e.loadResume(ctx, params.ResumeReferenceID)
	if err != nil {
		return nil, err
	}
	params.ResumeSnapshot = resume.String()

	session, err := e.machine.NewSession(params)
	if err != nil {
		return nil, err
	}
	unlockSession := e.sessionLocks.Lock(session.ID)
	defer unlockSession()

	qc := newQuestionContext(session, resume, nil)
	qc.Turn = 1
	question, err := e.nextQuestion(ctx, qc)
	if err != nil {
		slog.Warn("Question provider unavailable, using default first question", "error", err, "session_id", session.ID)
		question = DefaultFirstQuestion
	}

	// The session and its first question become visible together.
	err = e.store.Transaction(ctx, func(tx repository.Store) error {
		if err := e.machine.Create(ctx, tx, session); err != nil {
			return err
		}
		_, err := e.machine.RecordQuestion(ctx, tx, session, 1, question)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrConflict) {
			e.abandonStart(context.WithoutCancel(ctx), session.ID, err)
		}
		return nil, err
	}

	e.notify(ctx, ownerID, EventInterviewStarted, map[string]any{
		"session_id":  session.ID,
		"total_turns": session.TotalTurns,
	})
	slog.Info("Interview started", "session_id", session.ID, "owner_id", ownerID, "total_turns", session.TotalTurns)

	resp := newTurnResponse(session)
	resp.Question = question
	return resp, nil
}

// SubmitAnswer records the answer for the open turn and either asks the next
// question or completes the interview. The provider is consulted before
// anything is written, so an upstream failure leaves the session untouched
// and the call can be retried as is.
func (e *InterviewEngine) SubmitAnswer(ctx context.Context, ownerID, sessionID, answer string) (*TurnResponse, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, fmt.Errorf("%w: answer must not be empty", ErrValidation)
	}

	unlock := e.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := e.loadOwned(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.machine.CheckAnswerable(ctx, e.store, session); err != nil {
		return nil, err
	}

	transcript, err := repository.CollectMessages(e.store.ListByTurnOrder(ctx, session.ID))
	if err != nil {
		return nil, err
	}
	qc := newQuestionContext(session, e.snapshotResume(session), transcript)
	qc.Transcript = append(qc.Transcript, TranscriptEntry{Turn: session.CurrentTurn, Role: models.RoleCandidate, Text: answer})

	final := session.CurrentTurn >= session.TotalTurns
	var (
		nextQuestion string
		evaluation   Evaluation
	)
	if final {
		qc.Turn = session.CurrentTurn
		evaluation, err = e.finalEvaluation(ctx, qc)
	} else {
		qc.Turn = session.CurrentTurn + 1
		nextQuestion, err = e.nextQuestion(ctx, qc)
	}
	if err != nil {
		slog.Error("Question provider failed", "error", err, "session_id", session.ID, "turn", session.CurrentTurn)
		return nil, err
	}

	var recorded *models.InterviewMessage
	err = e.store.Transaction(ctx, func(tx repository.Store) error {
		msg, err := e.machine.RecordAnswer(ctx, tx, session, answer)
		if err != nil {
			return err
		}
		recorded = msg
		if final {
			return e.machine.Complete(ctx, tx, session, evaluation.Score, evaluation.Feedback)
		}
		if err := e.machine.Advance(ctx, tx, session); err != nil {
			return err
		}
		_, err = e.machine.RecordQuestion(ctx, tx, session, session.CurrentTurn, nextQuestion)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.triggerReflection(ctx, session, recorded)

	resp := newTurnResponse(session)
	resp.AnsweredTurn = recorded.TurnNumber
	if final {
		e.notify(ctx, ownerID, EventInterviewCompleted, map[string]any{
			"session_id":  session.ID,
			"final_score": evaluation.Score,
		})
		return resp, nil
	}

	e.notify(ctx, ownerID, EventAnswerRecorded, map[string]any{
		"session_id":    session.ID,
		"answered_turn": recorded.TurnNumber,
		"current_turn":  session.CurrentTurn,
	})
	resp.Question = nextQuestion
	return resp, nil
}

// ModifyAnswer replaces the most recent answer and re-runs its analysis.
func (e *InterviewEngine) ModifyAnswer(ctx context.Context, ownerID, sessionID, newText string) (*TurnResponse, error) {
	unlock := e.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := e.loadOwned(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	var message *models.InterviewMessage
	err = e.store.Transaction(ctx, func(tx repository.Store) error {
		msg, err := e.machine.ModifyAnswer(ctx, tx, session, newText)
		if err != nil {
			return err
		}
		message = msg
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.triggerReflection(ctx, session, message)
	e.notify(ctx, ownerID, EventAnswerModified, map[string]any{
		"session_id":    session.ID,
		"answered_turn": message.TurnNumber,
		"revision":      message.Revision,
	})
	slog.Info("Answer modified", "session_id", session.ID, "turn", message.TurnNumber, "revision", message.Revision)

	resp := newTurnResponse(session)
	resp.AnsweredTurn = message.TurnNumber
	return resp, nil
}

// GetResult returns the session, its ordered transcript and the annotations
// written so far. It is legal in any status.
func (e *InterviewEngine) GetResult(ctx context.Context, ownerID, sessionID string) (*InterviewResult, error) {
	session, err := e.loadOwned(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	transcript, err := repository.CollectMessages(e.store.ListByTurnOrder(ctx, session.ID))
	if err != nil {
		return nil, err
	}
	annotations, err := e.annotations.ListAnnotations(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if transcript == nil {
		transcript = []models.InterviewMessage{}
	}
	if annotations == nil {
		annotations = []models.Annotation{}
	}
	return &InterviewResult{Session: *session, Transcript: transcript, Annotations: annotations}, nil
}

func (e *InterviewEngine) ListHistory(ctx context.Context, ownerID string) ([]models.InterviewSession, error) {
	sessions, err := e.store.ListSessionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []models.InterviewSession{}
	}
	return sessions, nil
}

func (e *InterviewEngine) CancelInterview(ctx context.Context, ownerID, sessionID string) (*TurnResponse, error) {
	unlock := e.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := e.loadOwned(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.machine.Cancel(ctx, e.store, session); err != nil {
		return nil, err
	}
	e.notify(ctx, ownerID, EventInterviewCancelled, map[string]any{"session_id": session.ID})
	return newTurnResponse(session), nil
}

// CancelIdleSessions cancels every IN_PROGRESS session untouched since before
// and leaves a SYSTEM message saying why. It returns how many were cancelled.
func (e *InterviewEngine) CancelIdleSessions(ctx context.Context, before time.Time, reason string) (int, error) {
	idle, err := e.store.ListIdleSessions(ctx, before)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, candidate := range idle {
		ok, err := e.cancelIdle(ctx, candidate.ID, before, reason)
		if err != nil {
			slog.Error("Failed to cancel idle session", "error", err, "session_id", candidate.ID)
			continue
		}
		if ok {
			cancelled++
		}
	}
	return cancelled, nil
}

func (e *InterviewEngine) cancelIdle(ctx context.Context, sessionID string, before time.Time, reason string) (bool, error) {
	unlock := e.sessionLocks.Lock(sessionID)
	defer unlock()

	// Re-read under the lock; the session may have moved on since it was listed.
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return false, err
	}
	if session.Status != models.StatusInProgress || !session.UpdatedAt.Before(before) {
		return false, nil
	}

	err = e.store.Transaction(ctx, func(tx repository.Store) error {
		if _, err := tx.AppendMessage(ctx, session.ID, max(session.CurrentTurn, 1), models.RoleSystem, reason); err != nil {
			return err
		}
		return e.machine.Cancel(ctx, tx, session)
	})
	if err != nil {
		return false, err
	}
	e.notify(ctx, session.OwnerID, EventInterviewCancelled, map[string]any{
		"session_id": session.ID,
		"reason":     reason,
	})
	return true, nil
}

// checkNoActiveSession fails fast before any provider call; CreateSession
// remains the authoritative check.
func (e *InterviewEngine) checkNoActiveSession(ctx context.Context, ownerID string) error {
	sessions, err := e.store.ListSessionsByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.Status == models.StatusInProgress {
			return fmt.Errorf("%w: owner %s", ErrConflict, ownerID)
		}
	}
	return nil
}

// abandonStart cancels a session left behind by a failed start. Stores
// without rollback can keep the session after the transaction fails.
func (e *InterviewEngine) abandonStart(ctx context.Context, sessionID string, cause error) {
	slog.Error("Failed to open interview, abandoning session", "error", cause, "session_id", sessionID)
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil || session == nil || session.Status != models.StatusInProgress {
		return
	}
	if err := e.machine.Cancel(ctx, e.store, session); err != nil {
		slog.Error("Failed to cancel session after start failure", "error", err, "session_id", sessionID)
	}
}

// loadOwned hides sessions of other owners behind ErrNotFound.
func (e *InterviewEngine) loadOwned(ctx context.Context, ownerID, sessionID string) (*models.InterviewSession, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: interview %s", ErrNotFound, sessionID)
	}
	return session, nil
}

func (e *InterviewEngine) loadResume(ctx context.Context, resumeReferenceID string) (*ResumeSummary, error) {
	if resumeReferenceID == "" {
		return &ResumeSummary{}, nil
	}
	resume, err := e.resumes.GetResumeSummary(ctx, resumeReferenceID)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return nil, err
		}
		slog.Warn("Resume unavailable, continuing without it", "error", err, "resume_id", resumeReferenceID)
		return &ResumeSummary{ReferenceID: resumeReferenceID}, nil
	}
	return resume, nil
}

// snapshotResume rebuilds the resume context captured at start.
func (e *InterviewEngine) snapshotResume(session *models.InterviewSession) *ResumeSummary {
	return &ResumeSummary{ReferenceID: session.ResumeReferenceID, Summary: session.ResumeSnapshot}
}

func (e *InterviewEngine) nextQuestion(ctx context.Context, qc QuestionContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	question, err := e.questions.NextQuestion(ctx, qc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("%w: empty question", ErrUpstreamUnavailable)
	}
	return question, nil
}

func (e *InterviewEngine) finalEvaluation(ctx context.Context, qc QuestionContext) (Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	evaluation, err := e.questions.FinalEvaluation(ctx, qc)
	if err != nil {
		return Evaluation{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	evaluation.Score = clampScore(evaluation.Score)
	return evaluation, nil
}

func (e *InterviewEngine) triggerReflection(ctx context.Context, session *models.InterviewSession, message *models.InterviewMessage) {
	if e.pipeline == nil {
		return
	}
	e.pipeline.Trigger(ctx, AnswerSnapshot{
		SessionID:   message.SessionID,
		TurnNumber:  message.TurnNumber,
		Revision:    message.Revision,
		JobCategory: session.JobCategory,
		Text:        message.Text,
	})
}

func (e *InterviewEngine) notify(ctx context.Context, ownerID, kind string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Notification sink panicked", "panic", r, "owner_id", ownerID, "event", kind)
		}
	}()
	if err := e.notifier.Notify(ctx, ownerID, kind, payload); err != nil {
		slog.Warn("Failed to deliver notification", "error", err, "owner_id", ownerID, "event", kind)
	}
}
