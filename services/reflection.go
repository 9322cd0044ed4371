package services

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/LSY1007/NextEnterBack-sub000/models"
	"github.com/LSY1007/NextEnterBack-sub000/repository"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultJobFitScore        = 0.8
	DefaultAnalysisTimeout    = 30 * time.Second
	DefaultMaxConcurrentScans = 8

	starRecommendationThreshold = 0.5
)

//go:embed star_lexicon.yaml
var starLexiconYAML []byte

// StarLexicon holds the token prefixes that signal each STAR category.
type StarLexicon struct {
	Situation []string `yaml:"situation"`
	Task      []string `yaml:"task"`
	Action    []string `yaml:"action"`
	Result    []string `yaml:"result"`
}

// LoadStarLexicon parses a lexicon document. Prefixes are lower-cased.
func LoadStarLexicon(data []byte) (*StarLexicon, error) {
	var lex StarLexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("parse star lexicon: %w", err)
	}
	for _, category := range lex.categories() {
		if len(*category) == 0 {
			return nil, fmt.Errorf("star lexicon has an empty category")
		}
		for i, prefix := range *category {
			(*category)[i] = strings.ToLower(strings.TrimSpace(prefix))
		}
	}
	return &lex, nil
}

// DefaultStarLexicon returns the embedded English and Korean lexicon.
func DefaultStarLexicon() *StarLexicon {
	lex, err := LoadStarLexicon(starLexiconYAML)
	if err != nil {
		panic(err)
	}
	return lex
}

func (l *StarLexicon) categories() []*[]string {
	return []*[]string{&l.Situation, &l.Task, &l.Action, &l.Result}
}

// Matched counts the STAR categories signalled somewhere in answer.
func (l *StarLexicon) Matched(answer string) int {
	tokens := tokenize(answer)
	matched := 0
	for _, category := range l.categories() {
		if anyTokenHasPrefix(tokens, *category) {
			matched++
		}
	}
	return matched
}

// StarCompliance scores answer as 0.1 + 0.25 per matched category, capped at 1.
func (l *StarLexicon) StarCompliance(answer string) float64 {
	return min(0.1+0.25*float64(l.Matched(answer)), 1.0)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func anyTokenHasPrefix(tokens, prefixes []string) bool {
	for _, token := range tokens {
		for _, prefix := range prefixes {
			if prefix != "" && strings.HasPrefix(token, prefix) {
				return true
			}
		}
	}
	return false
}

// Specificity buckets an answer by its length in characters.
func Specificity(answer string) float64 {
	n := utf8.RuneCountInString(strings.TrimSpace(answer))
	switch {
	case n == 0:
		return 0.0
	case n < 20:
		return 0.2
	case n < 50:
		return 0.5
	case n < 100:
		return 0.7
	default:
		return 0.9
	}
}

// AnalysisText summarises the heuristic scores for a reader.
func AnalysisText(specificity, starCompliance float64) string {
	text := fmt.Sprintf("Specificity %.2f, STAR compliance %.2f.", specificity, starCompliance)
	if starCompliance < starRecommendationThreshold {
		text += " Recommendation: walk through the situation and your task, then the actions you took and their result."
	}
	return text
}

// JobFitEvaluator scores how well an answer fits the target job, in [0, 1].
type JobFitEvaluator func(ctx context.Context, snapshot AnswerSnapshot) (float64, error)

// AnswerSnapshot is the immutable input of one analysis.
type AnswerSnapshot struct {
	SessionID   string
	TurnNumber  int
	Revision    int
	JobCategory string
	Text        string
}

type ReflectionOption func(*ReflectionPipeline)

func WithJobFit(evaluator JobFitEvaluator) ReflectionOption {
	return func(p *ReflectionPipeline) { p.jobFit = evaluator }
}

func WithAnalysisTimeout(timeout time.Duration) ReflectionOption {
	return func(p *ReflectionPipeline) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

func WithMaxConcurrentAnalyses(n int) ReflectionOption {
	return func(p *ReflectionPipeline) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithStarLexicon(lexicon *StarLexicon) ReflectionOption {
	return func(p *ReflectionPipeline) { p.lexicon = lexicon }
}

// ReflectionPipeline scores recorded answers in the background and stores the
// result as annotations. Nothing it does is reported back to the caller.
type ReflectionPipeline struct {
	store   repository.AnnotationStore
	lexicon *StarLexicon
	jobFit  JobFitEvaluator
	timeout time.Duration
	sem     *semaphore.Weighted
	now     func() time.Time

	// mu orders Trigger's wg.Add against Shutdown closing the pipeline.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewReflectionPipeline(store repository.AnnotationStore, opts ...ReflectionOption) *ReflectionPipeline {
	p := &ReflectionPipeline{
		store:   store,
		lexicon: DefaultStarLexicon(),
		jobFit: func(context.Context, AnswerSnapshot) (float64, error) {
			return DefaultJobFitScore, nil
		},
		timeout: DefaultAnalysisTimeout,
		sem:     semaphore.NewWeighted(DefaultMaxConcurrentScans),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Trigger starts an analysis of snapshot and returns immediately. The
// analysis outlives ctx's cancellation but keeps its values.
func (p *ReflectionPipeline) Trigger(ctx context.Context, snapshot AnswerSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		slog.Warn("Reflection pipeline closed, skipping analysis", "session_id", snapshot.SessionID, "turn", snapshot.TurnNumber)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(context.WithoutCancel(ctx), snapshot)
	}()
}

// Wait blocks until every triggered analysis has finished.
func (p *ReflectionPipeline) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for in-flight analyses or ctx.
func (p *ReflectionPipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ReflectionPipeline) run(ctx context.Context, snapshot AnswerSnapshot) {
	logger := slog.With("session_id", snapshot.SessionID, "turn", snapshot.TurnNumber, "revision", snapshot.Revision)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Reflective analysis panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		logger.Error("Reflective analysis not started", "error", err)
		return
	}
	defer p.sem.Release(1)

	annotation, err := p.Analyze(ctx, snapshot)
	if err != nil {
		logger.Error("Reflective analysis failed", "error", err)
		return
	}
	if err := p.store.SaveAnnotation(ctx, annotation); err != nil {
		logger.Error("Failed to save annotation", "error", err)
		return
	}
	logger.Info("Annotation saved",
		"specificity", annotation.SpecificityScore,
		"star_compliance", annotation.StarComplianceScore,
		"job_fit", annotation.JobFitScore)
}

// Analyze scores snapshot synchronously without persisting anything.
func (p *ReflectionPipeline) Analyze(ctx context.Context, snapshot AnswerSnapshot) (*models.Annotation, error) {
	specificity := Specificity(snapshot.Text)
	star := p.lexicon.StarCompliance(snapshot.Text)

	jobFit, err := p.jobFit(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("job fit: %w", err)
	}
	jobFit = min(max(jobFit, 0), 1)

	return &models.Annotation{
		SessionID:           snapshot.SessionID,
		TurnNumber:          snapshot.TurnNumber,
		AnswerRevision:      snapshot.Revision,
		AnalysisText:        AnalysisText(specificity, star),
		SpecificityScore:    specificity,
		StarComplianceScore: star,
		JobFitScore:         jobFit,
		CreatedAt:           p.now(),
	}, nil
}
