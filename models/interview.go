package models

import (
	"time"
)

type Difficulty string

const (
	DifficultyJunior Difficulty = "JUNIOR"
	DifficultySenior Difficulty = "SENIOR"
)

// Valid reports whether d is one of the supported difficulty levels.
func (d Difficulty) Valid() bool {
	return d == DifficultyJunior || d == DifficultySenior
}

type SessionStatus string

const (
	StatusInProgress SessionStatus = "IN_PROGRESS"
	StatusCompleted  SessionStatus = "COMPLETED"
	StatusCancelled  SessionStatus = "CANCELLED"
)

type MessageRole string

const (
	RoleInterviewer MessageRole = "INTERVIEWER"
	RoleCandidate   MessageRole = "CANDIDATE"
	RoleSystem      MessageRole = "SYSTEM"
)

// Valid reports whether r is a known speaker role.
func (r MessageRole) Valid() bool {
	return r == RoleInterviewer || r == RoleCandidate || r == RoleSystem
}

// Rank is the fixed position of a role inside one turn of the transcript.
func (r MessageRole) Rank() int {
	switch r {
	case RoleInterviewer:
		return 0
	case RoleCandidate:
		return 1
	default:
		return 2
	}
}

// DefaultTotalTurns is used when a start request does not say how many turns to run.
const DefaultTotalTurns = 5

// InterviewSession is one run of the interview engine for one owner
type InterviewSession struct {
	ID                string        `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID           string        `gorm:"not null;index" json:"owner_id"`
	ResumeReferenceID string        `gorm:"not null" json:"resume_reference_id"`
	ResumeSnapshot    string        `gorm:"type:text" json:"-"` // resume summary captured at start
	JobCategory       string        `gorm:"type:text;not null" json:"job_category"`
	Difficulty        Difficulty    `gorm:"type:varchar(16);not null" json:"difficulty"`
	TotalTurns        int           `gorm:"not null" json:"total_turns"`
	CurrentTurn       int           `gorm:"not null;default:0" json:"current_turn"`
	Status            SessionStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	FinalScore        *int          `json:"final_score,omitempty"`
	FinalFeedback     *string       `gorm:"type:text" json:"final_feedback,omitempty"`
	CreatedAt         time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

func (InterviewSession) TableName() string {
	return "interview_sessions"
}

// InterviewMessage is one utterance in a session transcript
type InterviewMessage struct {
	ID         string      `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID  string      `gorm:"type:uuid;not null;index" json:"session_id"`
	TurnNumber int         `gorm:"not null" json:"turn_number"`
	Role       MessageRole `gorm:"type:varchar(16);not null" json:"role"`
	Text       string      `gorm:"type:text;not null" json:"text"`
	Revision   int         `gorm:"not null;default:1" json:"revision"`
	CreatedAt  time.Time   `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (InterviewMessage) TableName() string {
	return "interview_messages"
}

// Annotation is the reflective analysis of one candidate answer.
// AnswerRevision records which revision of the answer was analysed.
type Annotation struct {
	SessionID           string    `json:"session_id"`
	TurnNumber          int       `json:"turn_number"`
	AnswerRevision      int       `json:"answer_revision"`
	AnalysisText        string    `json:"analysis_text"`
	SpecificityScore    float64   `json:"specificity_score"`
	StarComplianceScore float64   `json:"star_compliance_score"`
	JobFitScore         float64   `json:"job_fit_score"`
	CreatedAt           time.Time `json:"created_at"`
}
