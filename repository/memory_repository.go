package repository

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/LSY1007/NextEnterBack-sub000/models"
	"github.com/google/uuid"
)

// MemoryStore keeps sessions and transcripts in process memory. It backs
// local runs without DATABASE_URL and the service tests. Writes apply
// immediately, so Transaction offers isolation through the caller's locks
// but no rollback.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.InterviewSession
	messages map[string][]models.InterviewMessage
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.InterviewSession),
		messages: make(map[string][]models.InterviewMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.InterviewSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	if session.Status == models.StatusInProgress {
		for _, existing := range m.sessions {
			if existing.OwnerID == session.OwnerID && existing.Status == models.StatusInProgress {
				return ErrActiveSessionExists
			}
		}
	}

	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	m.sessions[session.ID] = *session
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*models.InterviewSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, session *models.InterviewSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	session.UpdatedAt = m.now()
	m.sessions[session.ID] = *session
	return nil
}

func (m *MemoryStore) ListSessionsByOwner(ctx context.Context, ownerID string) ([]models.InterviewSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []models.InterviewSession
	for _, session := range m.sessions {
		if session.OwnerID == ownerID {
			sessions = append(sessions, session)
		}
	}
	slices.SortFunc(sessions, func(a, b models.InterviewSession) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return sessions, nil
}

func (m *MemoryStore) ListIdleSessions(ctx context.Context, before time.Time) ([]models.InterviewSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []models.InterviewSession
	for _, session := range m.sessions {
		if session.Status == models.StatusInProgress && session.UpdatedAt.Before(before) {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, turnNumber int, role models.MessageRole, text string) (*models.InterviewMessage, error) {
	if err := checkAppend(turnNumber, role, text); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: unknown session %s", ErrInvalidMessage, sessionID)
	}

	var hasInterviewer, hasCandidate bool
	for _, existing := range m.messages[sessionID] {
		if existing.TurnNumber != turnNumber {
			continue
		}
		switch existing.Role {
		case models.RoleInterviewer:
			hasInterviewer = true
		case models.RoleCandidate:
			hasCandidate = true
		}
	}
	if err := checkTurnSlot(turnNumber, role, hasInterviewer, hasCandidate); err != nil {
		return nil, err
	}

	now := m.now()
	message := models.InterviewMessage{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		TurnNumber: turnNumber,
		Role:       role,
		Text:       text,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.messages[sessionID] = append(m.messages[sessionID], message)
	return &message, nil
}

func (m *MemoryStore) ListByTurnOrder(ctx context.Context, sessionID string) iter.Seq2[models.InterviewMessage, error] {
	return func(yield func(models.InterviewMessage, error) bool) {
		m.mu.RLock()
		snapshot := slices.Clone(m.messages[sessionID])
		m.mu.RUnlock()

		slices.SortStableFunc(snapshot, compareTurnOrder)
		for _, message := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(models.InterviewMessage{}, err)
				return
			}
			if !yield(message, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) FindLatestCandidateMessage(ctx context.Context, sessionID string) (*models.InterviewMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.InterviewMessage
	for i := range m.messages[sessionID] {
		message := m.messages[sessionID][i]
		if message.Role != models.RoleCandidate {
			continue
		}
		if latest == nil || message.TurnNumber > latest.TurnNumber {
			latest = &message
		}
	}
	return latest, nil
}

func (m *MemoryStore) UpdateMessageText(ctx context.Context, message *models.InterviewMessage, text string) error {
	if err := checkAppend(message.TurnNumber, message.Role, text); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.messages[message.SessionID]
	for i := range stored {
		if stored[i].ID != message.ID {
			continue
		}
		stored[i].Text = text
		stored[i].Revision++
		stored[i].UpdatedAt = m.now()
		*message = stored[i]
		return nil
	}
	return ErrNotFound
}

func compareTurnOrder(a, b models.InterviewMessage) int {
	if a.TurnNumber != b.TurnNumber {
		return a.TurnNumber - b.TurnNumber
	}
	if a.Role.Rank() != b.Role.Rank() {
		return a.Role.Rank() - b.Role.Rank()
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

// MemoryAnnotationStore is the in-process AnnotationStore.
type MemoryAnnotationStore struct {
	mu          sync.RWMutex
	annotations map[annotationKey]models.Annotation
}

type annotationKey struct {
	sessionID  string
	turnNumber int
}

func NewMemoryAnnotationStore() *MemoryAnnotationStore {
	return &MemoryAnnotationStore{annotations: make(map[annotationKey]models.Annotation)}
}

func (s *MemoryAnnotationStore) SaveAnnotation(ctx context.Context, a *models.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := annotationKey{sessionID: a.SessionID, turnNumber: a.TurnNumber}
	if existing, ok := s.annotations[key]; ok && existing.AnswerRevision >= a.AnswerRevision {
		return nil
	}
	s.annotations[key] = *a
	return nil
}

func (s *MemoryAnnotationStore) GetAnnotation(ctx context.Context, sessionID string, turnNumber int) (*models.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.annotations[annotationKey{sessionID: sessionID, turnNumber: turnNumber}]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *MemoryAnnotationStore) ListAnnotations(ctx context.Context, sessionID string) ([]models.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Annotation
	for key, a := range s.annotations {
		if key.sessionID == sessionID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b models.Annotation) int { return a.TurnNumber - b.TurnNumber })
	return out, nil
}
