package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/LSY1007/NextEnterBack-sub000/models"
)

// DefaultFirstQuestion opens an interview when the question provider cannot.
const DefaultFirstQuestion = "To start, please introduce yourself and walk me through a recent project you are proud of."

// QuestionProvider generates interview questions and the final evaluation.
type QuestionProvider interface {
	NextQuestion(ctx context.Context, qc QuestionContext) (string, error)
	FinalEvaluation(ctx context.Context, qc QuestionContext) (Evaluation, error)
}

type Evaluation struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// TranscriptEntry is one utterance handed to a provider.
type TranscriptEntry struct {
	Turn int
	Role models.MessageRole
	Text string
}

// QuestionContext carries everything a provider may use; nothing is read from
// ambient request state.
type QuestionContext struct {
	SessionID   string
	JobCategory string
	Difficulty  models.Difficulty
	Resume      *ResumeSummary
	Transcript  []TranscriptEntry
	// Turn is the turn the question is for, or the last turn for a final evaluation.
	Turn       int
	TotalTurns int
}

func newQuestionContext(session *models.InterviewSession, resume *ResumeSummary, messages []models.InterviewMessage) QuestionContext {
	qc := QuestionContext{
		SessionID:   session.ID,
		JobCategory: session.JobCategory,
		Difficulty:  session.Difficulty,
		Resume:      resume,
		TotalTurns:  session.TotalTurns,
	}
	for _, m := range messages {
		qc.Transcript = append(qc.Transcript, TranscriptEntry{Turn: m.TurnNumber, Role: m.Role, Text: m.Text})
	}
	return qc
}

// Answers returns the candidate's answers in turn order.
func (qc QuestionContext) Answers() []string {
	var answers []string
	for _, entry := range qc.Transcript {
		if entry.Role == models.RoleCandidate {
			answers = append(answers, entry.Text)
		}
	}
	return answers
}

// Brief renders the job, level and resume as prompt preamble.
func (qc QuestionContext) Brief() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Position: %s\nLevel: %s\n", qc.JobCategory, qc.Difficulty)
	if qc.Resume != nil && !qc.Resume.Empty() {
		b.WriteString("Candidate resume:\n")
		b.WriteString(qc.Resume.String())
		b.WriteString("\n")
	}
	return b.String()
}

// RenderTranscript renders the prior conversation as plain text.
func (qc QuestionContext) RenderTranscript() string {
	var b strings.Builder
	for _, entry := range qc.Transcript {
		speaker := "Interviewer"
		switch entry.Role {
		case models.RoleCandidate:
			speaker = "Candidate"
		case models.RoleSystem:
			speaker = "System"
		}
		fmt.Fprintf(&b, "[turn %d] %s: %s\n", entry.Turn, speaker, entry.Text)
	}
	return b.String()
}

func clampScore(score int) int {
	return min(max(score, 0), 100)
}
