package services

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/LSY1007/NextEnterBack-sub000/models"
)

var juniorQuestions = []string{
	"Tell me about a %s project where you had to learn something new quickly. How did you approach it?",
	"Describe a bug you found hard to track down. What steps did you take to fix it?",
	"How do you make sure the code you write is correct before it ships?",
	"Tell me about a time you received critical feedback on your work. What did you change?",
	"Walk me through how you would design a small feature for a %s team from scratch.",
}

var seniorQuestions = []string{
	"Describe the most complex %s system you owned. What trade-offs shaped its design?",
	"Tell me about an incident you led the response to. What changed afterwards?",
	"How have you handled a technical disagreement with another senior engineer?",
	"Describe a time you had to cut scope to hit a deadline. How did you decide what to drop?",
	"How do you grow the engineers around you on a %s team?",
}

// StaticQuestionBank is a deterministic provider used when no AI backend is configured.
type StaticQuestionBank struct{}

func NewStaticQuestionBank() *StaticQuestionBank {
	return &StaticQuestionBank{}
}

func (b *StaticQuestionBank) NextQuestion(ctx context.Context, qc QuestionContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	bank := juniorQuestions
	if qc.Difficulty == models.DifficultySenior {
		bank = seniorQuestions
	}
	turn := max(qc.Turn, 1)
	question := bank[(turn-1)%len(bank)]
	if strings.Contains(question, "%s") {
		question = fmt.Sprintf(question, qc.JobCategory)
	}
	return question, nil
}

// FinalEvaluation scores the interview from the average specificity of its answers.
func (b *StaticQuestionBank) FinalEvaluation(ctx context.Context, qc QuestionContext) (Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	answers := qc.Answers()
	if len(answers) == 0 {
		return Evaluation{Score: 0, Feedback: "No answers were given."}, nil
	}

	var total float64
	for _, answer := range answers {
		total += Specificity(answer)
	}
	score := clampScore(int(math.Round(total / float64(len(answers)) * 100)))

	feedback := "Answers were detailed and concrete."
	switch {
	case score < 40:
		feedback = "Answers were too brief. Add concrete examples and outcomes."
	case score < 70:
		feedback = "Answers were reasonable but would benefit from more specific detail."
	}
	return Evaluation{Score: score, Feedback: feedback}, nil
}
