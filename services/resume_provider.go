package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// ResumeSummary is the read-only resume data captured when an interview starts.
type ResumeSummary struct {
	ReferenceID string   `json:"reference_id"`
	Title       string   `json:"title,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	Summary     string   `json:"summary,omitempty"`
}

func (r *ResumeSummary) Empty() bool {
	return r == nil || (r.Title == "" && len(r.Skills) == 0 && r.Summary == "")
}

func (r *ResumeSummary) String() string {
	if r.Empty() {
		return ""
	}
	if r.Title == "" && len(r.Skills) == 0 {
		return r.Summary
	}
	var parts []string
	if r.Title != "" {
		parts = append(parts, "Title: "+r.Title)
	}
	if len(r.Skills) > 0 {
		parts = append(parts, "Skills: "+strings.Join(r.Skills, ", "))
	}
	if r.Summary != "" {
		parts = append(parts, "Summary: "+r.Summary)
	}
	return strings.Join(parts, "\n")
}

type ResumeProvider interface {
	GetResumeSummary(ctx context.Context, resumeReferenceID string) (*ResumeSummary, error)
}

// NoResumeProvider is used when no resume service is configured.
type NoResumeProvider struct{}

func (NoResumeProvider) GetResumeSummary(ctx context.Context, resumeReferenceID string) (*ResumeSummary, error) {
	return &ResumeSummary{ReferenceID: resumeReferenceID}, nil
}

// HTTPResumeProvider reads resumes from the resume service over HTTP.
type HTTPResumeProvider struct {
	client *resty.Client
}

func NewHTTPResumeProvider(baseURL, token string, timeout time.Duration) *HTTPResumeProvider {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPResumeProvider{client: client}
}

func (p *HTTPResumeProvider) GetResumeSummary(ctx context.Context, resumeReferenceID string) (*ResumeSummary, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("id", resumeReferenceID).
		Get("/resumes/{id}")
	if err != nil {
		return nil, fmt.Errorf("fetch resume %s: %w", resumeReferenceID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: resume %s does not exist", ErrValidation, resumeReferenceID)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch resume %s: status %d", resumeReferenceID, resp.StatusCode())
	}

	body := resp.String()
	if !gjson.Valid(body) {
		return nil, fmt.Errorf("fetch resume %s: response is not JSON", resumeReferenceID)
	}
	summary := &ResumeSummary{
		ReferenceID: resumeReferenceID,
		Title:       gjson.Get(body, "title").String(),
		Summary:     gjson.Get(body, "summary").String(),
	}
	for _, skill := range gjson.Get(body, "skills").Array() {
		name := skill.String()
		if skill.IsObject() {
			name = skill.Get("name").String()
		}
		if name = strings.TrimSpace(name); name != "" {
			summary.Skills = append(summary.Skills, name)
		}
	}

	slog.Info("Resume summary fetched", "resume_id", resumeReferenceID, "skills", len(summary.Skills))
	return summary, nil
}
