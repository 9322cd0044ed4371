package repository

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/LSY1007/NextEnterBack-sub000/models"
)

// SessionStore persists interview sessions.
type SessionStore interface {
	// CreateSession inserts a new session. It fails with ErrActiveSessionExists when
	// the session is IN_PROGRESS and its owner already has one.
	CreateSession(ctx context.Context, session *models.InterviewSession) error
	// GetSession returns nil, nil when no session has the given id.
	GetSession(ctx context.Context, sessionID string) (*models.InterviewSession, error)
	UpdateSession(ctx context.Context, session *models.InterviewSession) error
	// ListSessionsByOwner returns the owner's sessions, newest first.
	ListSessionsByOwner(ctx context.Context, ownerID string) ([]models.InterviewSession, error)
	// ListIdleSessions returns IN_PROGRESS sessions not touched since before.
	ListIdleSessions(ctx context.Context, before time.Time) ([]models.InterviewSession, error)
}

// MessageLog is the append-only transcript of a session.
type MessageLog interface {
	AppendMessage(ctx context.Context, sessionID string, turnNumber int, role models.MessageRole, text string) (*models.InterviewMessage, error)
	// ListByTurnOrder yields the transcript ordered by turn, then INTERVIEWER,
	// CANDIDATE, SYSTEM. Every range over the sequence reads the store again.
	ListByTurnOrder(ctx context.Context, sessionID string) iter.Seq2[models.InterviewMessage, error]
	// FindLatestCandidateMessage returns nil, nil when the session has no answers yet.
	FindLatestCandidateMessage(ctx context.Context, sessionID string) (*models.InterviewMessage, error)
	// UpdateMessageText replaces the text of an existing message and bumps its revision.
	UpdateMessageText(ctx context.Context, message *models.InterviewMessage, text string) error
}

// Store is the transactional unit used by the turn state machine.
type Store interface {
	SessionStore
	MessageLog
	// Transaction runs fn against a Store whose writes commit or roll back together.
	Transaction(ctx context.Context, fn func(Store) error) error
}

// AnnotationStore keeps reflective analyses keyed by (session, turn).
type AnnotationStore interface {
	// SaveAnnotation stores a, replacing an existing annotation for the same turn
	// only when a analyses a newer answer revision.
	SaveAnnotation(ctx context.Context, a *models.Annotation) error
	// GetAnnotation returns nil, nil when the turn has not been annotated.
	GetAnnotation(ctx context.Context, sessionID string, turnNumber int) (*models.Annotation, error)
	ListAnnotations(ctx context.Context, sessionID string) ([]models.Annotation, error)
}

// CollectMessages drains a transcript sequence into a slice.
func CollectMessages(seq iter.Seq2[models.InterviewMessage, error]) ([]models.InterviewMessage, error) {
	var out []models.InterviewMessage
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// checkAppend validates the parts of an append that do not depend on stored state.
func checkAppend(turnNumber int, role models.MessageRole, text string) error {
	if turnNumber < 1 {
		return fmt.Errorf("%w: turn number must be positive, got %d", ErrInvalidMessage, turnNumber)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, role)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	return nil
}

// checkTurnSlot validates an append against what the turn already holds.
func checkTurnSlot(turnNumber int, role models.MessageRole, hasInterviewer, hasCandidate bool) error {
	switch role {
	case models.RoleInterviewer:
		if hasInterviewer {
			return fmt.Errorf("%w: turn %d already has a question", ErrInvalidMessage, turnNumber)
		}
	case models.RoleCandidate:
		if !hasInterviewer {
			return fmt.Errorf("%w: turn %d has no question yet", ErrInvalidMessage, turnNumber)
		}
		if hasCandidate {
			return fmt.Errorf("%w: turn %d already has an answer", ErrInvalidMessage, turnNumber)
		}
	}
	return nil
}
