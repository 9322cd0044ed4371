package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/LSY1007/NextEnterBack-sub000/models"
	"github.com/tidwall/gjson"
	"google.golang.org/genai"
)

const ModelName = "gemini-2.5-flash"

// GeminiService asks Gemini for interview questions and the closing evaluation.
type GeminiService struct {
	genaiClient *genai.Client
	model       string
}

func NewGeminiService(ctx context.Context, apiKey, model string) (*GeminiService, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if model == "" {
		model = ModelName
	}
	return &GeminiService{genaiClient: genaiClient, model: model}, nil
}

func (g *GeminiService) NextQuestion(ctx context.Context, qc QuestionContext) (string, error) {
	contents := g.buildConversationContents(qc)
	contents = append(contents, genai.NewContentFromText(
		fmt.Sprintf("Ask interview question %d of %d. Reply with the question only.", qc.Turn, qc.TotalTurns),
		genai.RoleUser,
	))

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.buildSystemInstruction(qc), genai.RoleUser),
	}
	result, err := g.genaiClient.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("failed to generate question: %w", err)
	}

	question := strings.TrimSpace(result.Text())
	if question == "" {
		return "", fmt.Errorf("gemini returned an empty question")
	}
	slog.Info("Generated interview question", "session_id", qc.SessionID, "turn", qc.Turn, "question_length", len(question))
	return question, nil
}

func (g *GeminiService) FinalEvaluation(ctx context.Context, qc QuestionContext) (Evaluation, error) {
	prompt := fmt.Sprintf(`%s
Interview transcript:
%s
Evaluate the candidate's answers. Return STRICTLY this JSON:
{"score": <integer 0-100>, "feedback": "<two or three sentences>"}`, qc.Brief(), qc.RenderTranscript())

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText("You are a fair, concise technical interviewer writing a final assessment.", genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}
	result, err := g.genaiClient.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return Evaluation{}, fmt.Errorf("failed to generate evaluation: %w", err)
	}

	evaluation, err := parseEvaluation(result.Text())
	if err != nil {
		return Evaluation{}, err
	}
	slog.Info("Generated final evaluation", "session_id", qc.SessionID, "score", evaluation.Score)
	return evaluation, nil
}

func (g *GeminiService) buildSystemInstruction(qc QuestionContext) string {
	tone := "Ask approachable questions about fundamentals, learning and teamwork."
	if qc.Difficulty == models.DifficultySenior {
		tone = "Probe system design depth, ownership of incidents and technical leadership."
	}
	return fmt.Sprintf(`You are an experienced interviewer running a structured behavioural and technical interview.
%s
%s
Ask exactly one question per reply. Do not repeat earlier questions. Build on the candidate's previous answers when useful.`, qc.Brief(), tone)
}

func (g *GeminiService) buildConversationContents(qc QuestionContext) []*genai.Content {
	var contents []*genai.Content
	for _, entry := range qc.Transcript {
		switch entry.Role {
		case models.RoleInterviewer:
			contents = append(contents, genai.NewContentFromText(entry.Text, genai.RoleModel))
		case models.RoleCandidate:
			contents = append(contents, genai.NewContentFromText(entry.Text, genai.RoleUser))
		}
	}
	return contents
}

// parseEvaluation reads {"score", "feedback"} out of a model reply, tolerating code fences.
func parseEvaluation(text string) (Evaluation, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if !gjson.Valid(text) {
		return Evaluation{}, fmt.Errorf("evaluation is not valid JSON")
	}
	score := gjson.Get(text, "score")
	if !score.Exists() {
		return Evaluation{}, fmt.Errorf("evaluation has no score")
	}
	return Evaluation{
		Score:    clampScore(int(score.Int())),
		Feedback: strings.TrimSpace(gjson.Get(text, "feedback").String()),
	}, nil
}
