package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/LSY1007/NextEnterBack-sub000/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const roleOrder = "CASE role WHEN 'INTERVIEWER' THEN 0 WHEN 'CANDIDATE' THEN 1 ELSE 2 END"

type GORMRepository struct {
	db *gorm.DB
}

func NewGORMRepository(db *gorm.DB) *GORMRepository {
	return &GORMRepository{db: db}
}

// Transaction runs fn inside a database transaction
func (r *GORMRepository) Transaction(ctx context.Context, fn func(Store) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GORMRepository{db: tx})
	})
}

// Session operations
func (r *GORMRepository) CreateSession(ctx context.Context, session *models.InterviewSession) error {
	if session.Status == models.StatusInProgress {
		var active int64
		if err := r.db.WithContext(ctx).
			Model(&models.InterviewSession{}).
			Where("owner_id = ? AND status = ?", session.OwnerID, models.StatusInProgress).
			Count(&active).Error; err != nil {
			slog.Error("Failed to count active sessions", "error", err, "owner_id", session.OwnerID)
			return fmt.Errorf("failed to count active sessions: %w", err)
		}
		if active > 0 {
			return ErrActiveSessionExists
		}
	}

	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		// the partial unique index catches a concurrent start from another process
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrActiveSessionExists
		}
		slog.Error("Failed to create interview session", "error", err)
		return fmt.Errorf("failed to create interview session: %w", err)
	}
	slog.Info("Interview session created", "session_id", session.ID, "owner_id", session.OwnerID)
	return nil
}

func (r *GORMRepository) GetSession(ctx context.Context, sessionID string) (*models.InterviewSession, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, nil
	}

	var session models.InterviewSession
	err := r.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get interview session", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to get interview session: %w", err)
	}
	return &session, nil
}

func (r *GORMRepository) UpdateSession(ctx context.Context, session *models.InterviewSession) error {
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		slog.Error("Failed to update interview session", "error", err, "session_id", session.ID)
		return fmt.Errorf("failed to update interview session: %w", err)
	}
	return nil
}

func (r *GORMRepository) ListSessionsByOwner(ctx context.Context, ownerID string) ([]models.InterviewSession, error) {
	var sessions []models.InterviewSession
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&sessions).Error
	if err != nil {
		slog.Error("Failed to list interview sessions", "error", err, "owner_id", ownerID)
		return nil, fmt.Errorf("failed to list interview sessions: %w", err)
	}
	return sessions, nil
}

func (r *GORMRepository) ListIdleSessions(ctx context.Context, before time.Time) ([]models.InterviewSession, error) {
	var sessions []models.InterviewSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.StatusInProgress, before).
		Find(&sessions).Error
	if err != nil {
		slog.Error("Failed to list idle sessions", "error", err)
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	return sessions, nil
}

// Transcript operations
func (r *GORMRepository) AppendMessage(ctx context.Context, sessionID string, turnNumber int, role models.MessageRole, text string) (*models.InterviewMessage, error) {
	if err := checkAppend(turnNumber, role, text); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	message := &models.InterviewMessage{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		TurnNumber: turnNumber,
		Role:       role,
		Text:       text,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.MessageRole
		if err := tx.Model(&models.InterviewMessage{}).
			Where("session_id = ? AND turn_number = ?", sessionID, turnNumber).
			Pluck("role", &existing).Error; err != nil {
			return fmt.Errorf("failed to read turn %d: %w", turnNumber, err)
		}

		var hasInterviewer, hasCandidate bool
		for _, existingRole := range existing {
			switch existingRole {
			case models.RoleInterviewer:
				hasInterviewer = true
			case models.RoleCandidate:
				hasCandidate = true
			}
		}
		if err := checkTurnSlot(turnNumber, role, hasInterviewer, hasCandidate); err != nil {
			return err
		}

		if err := tx.Create(message).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: turn %d already has a %s message", ErrInvalidMessage, turnNumber, role)
			}
			return fmt.Errorf("failed to append message: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidMessage) {
			slog.Error("Failed to append message", "error", err, "session_id", sessionID, "turn", turnNumber, "role", role)
		}
		return nil, err
	}

	slog.Info("Message appended", "session_id", sessionID, "turn", turnNumber, "role", role)
	return message, nil
}

func (r *GORMRepository) ListByTurnOrder(ctx context.Context, sessionID string) iter.Seq2[models.InterviewMessage, error] {
	return func(yield func(models.InterviewMessage, error) bool) {
		rows, err := r.db.WithContext(ctx).
			Model(&models.InterviewMessage{}).
			Where("session_id = ?", sessionID).
			Order("turn_number ASC").
			Order(roleOrder).
			Order("created_at ASC").
			Rows()
		if err != nil {
			slog.Error("Failed to list transcript", "error", err, "session_id", sessionID)
			yield(models.InterviewMessage{}, fmt.Errorf("failed to list transcript: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var message models.InterviewMessage
			if err := r.db.ScanRows(rows, &message); err != nil {
				yield(models.InterviewMessage{}, fmt.Errorf("failed to scan message: %w", err))
				return
			}
			if !yield(message, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.InterviewMessage{}, fmt.Errorf("failed to iterate transcript: %w", err))
		}
	}
}

func (r *GORMRepository) FindLatestCandidateMessage(ctx context.Context, sessionID string) (*models.InterviewMessage, error) {
	var message models.InterviewMessage
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND role = ?", sessionID, models.RoleCandidate).
		Order("turn_number DESC").
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to find latest answer", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to find latest answer: %w", err)
	}
	return &message, nil
}

func (r *GORMRepository) UpdateMessageText(ctx context.Context, message *models.InterviewMessage, text string) error {
	if err := checkAppend(message.TurnNumber, message.Role, text); err != nil {
		return err
	}

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&models.InterviewMessage{}).
		Where("id = ?", message.ID).
		Updates(map[string]any{
			"text":       text,
			"revision":   gorm.Expr("revision + 1"),
			"updated_at": now,
		})
	if result.Error != nil {
		slog.Error("Failed to update message", "error", result.Error, "message_id", message.ID)
		return fmt.Errorf("failed to update message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	message.Text = text
	message.Revision++
	message.UpdatedAt = now
	slog.Info("Message updated", "message_id", message.ID, "session_id", message.SessionID, "turn", message.TurnNumber)
	return nil
}
