package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LSY1007/NextEnterBack-sub000/models"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const (
	OpenRouterBaseURL      = "https://openrouter.ai/api/v1"
	OpenRouterDefaultModel = "openai/gpt-4o-mini"
)

// OpenRouterService talks to any chat model behind OpenRouter's completions API.
type OpenRouterService struct {
	client *resty.Client
	model  string
}

func NewOpenRouterService(apiKey, baseURL, model string, timeout time.Duration) *OpenRouterService {
	if baseURL == "" {
		baseURL = OpenRouterBaseURL
	}
	if model == "" {
		model = OpenRouterDefaultModel
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")
	return &OpenRouterService{client: client, model: model}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *OpenRouterService) NextQuestion(ctx context.Context, qc QuestionContext) (string, error) {
	messages := []chatMessage{{
		Role:    "system",
		Content: "You are an experienced interviewer. Ask exactly one question per reply and never repeat a question.\n" + qc.Brief(),
	}}
	for _, entry := range qc.Transcript {
		switch entry.Role {
		case models.RoleInterviewer:
			messages = append(messages, chatMessage{Role: "assistant", Content: entry.Text})
		case models.RoleCandidate:
			messages = append(messages, chatMessage{Role: "user", Content: entry.Text})
		}
	}
	messages = append(messages, chatMessage{
		Role:    "user",
		Content: fmt.Sprintf("Ask interview question %d of %d. Reply with the question only.", qc.Turn, qc.TotalTurns),
	})

	question, err := s.complete(ctx, messages)
	if err != nil {
		return "", err
	}
	slog.Info("Generated interview question", "provider", "openrouter", "session_id", qc.SessionID, "turn", qc.Turn)
	return question, nil
}

func (s *OpenRouterService) FinalEvaluation(ctx context.Context, qc QuestionContext) (Evaluation, error) {
	prompt := fmt.Sprintf(`%s
Interview transcript:
%s
Return your answer STRICTLY in JSON format:
{"score": <number 0-100>, "feedback": "<short feedback text>"}`, qc.Brief(), qc.RenderTranscript())

	text, err := s.complete(ctx, []chatMessage{
		{Role: "system", Content: "You are an AI evaluating job interview answers."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return Evaluation{}, err
	}
	return parseEvaluation(text)
}

func (s *OpenRouterService) complete(ctx context.Context, messages []chatMessage) (string, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"model":    s.model,
			"messages": messages,
		}).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("openrouter request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("openrouter returned status %d: %s", resp.StatusCode(), gjson.Get(resp.String(), "error.message").String())
	}

	text := strings.TrimSpace(gjson.Get(resp.String(), "choices.0.message.content").String())
	if text == "" {
		return "", fmt.Errorf("no response from LLM")
	}
	return text, nil
}
