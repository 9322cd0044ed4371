package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LSY1007/NextEnterBack-sub000/models"
	"github.com/LSY1007/NextEnterBack-sub000/repository"
	"github.com/google/go-cmp/cmp"
)

type scriptedProvider struct {
	mu          sync.Mutex
	questionErr error
	evalErr     error
	score       int
	contexts    []QuestionContext
}

func (p *scriptedProvider) NextQuestion(ctx context.Context, qc QuestionContext) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts = append(p.contexts, qc)
	if p.questionErr != nil {
		return "", p.questionErr
	}
	return fmt.Sprintf("Question %d about %s?", qc.Turn, qc.JobCategory), nil
}

func (p *scriptedProvider) FinalEvaluation(ctx context.Context, qc QuestionContext) (Evaluation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts = append(p.contexts, qc)
	if p.evalErr != nil {
		return Evaluation{}, p.evalErr
	}
	return Evaluation{Score: p.score, Feedback: "Clear, structured answers."}, nil
}

func (p *scriptedProvider) setQuestionErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.questionErr = err
}

func (p *scriptedProvider) lastContext() QuestionContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contexts[len(p.contexts)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (s *recordingSink) Notify(ctx context.Context, ownerID, eventKind string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ownerID+" "+eventKind)
	return s.err
}

func (s *recordingSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type testEnv struct {
	engine      *InterviewEngine
	store       *repository.MemoryStore
	annotations *repository.MemoryAnnotationStore
	pipeline    *ReflectionPipeline
	provider    *scriptedProvider
}

func newTestEnv(t *testing.T, pipelineOpts []ReflectionOption, engineOpts ...EngineOption) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	annotations := repository.NewMemoryAnnotationStore()
	pipeline := NewReflectionPipeline(annotations, pipelineOpts...)
	provider := &scriptedProvider{score: 72}
	engine := NewInterviewEngine(store, annotations, provider, pipeline, engineOpts...)
	t.Cleanup(pipeline.Wait)
	return &testEnv{engine: engine, store: store, annotations: annotations, pipeline: pipeline, provider: provider}
}

func (env *testEnv) start(t *testing.T, owner string, totalTurns int) *TurnResponse {
	t.Helper()
	resp, err := env.engine.StartInterview(context.Background(), owner, StartInterviewRequest{
		ResumeReferenceID: "resume-1",
		JobCategory:       "Backend",
		Difficulty:        models.DifficultyJunior,
		TotalTurns:        totalTurns,
	})
	if err != nil {
		t.Fatalf("StartInterview: %v", err)
	}
	return resp
}

func (env *testEnv) submit(t *testing.T, owner, sessionID, answer string) *TurnResponse {
	t.Helper()
	resp, err := env.engine.SubmitAnswer(context.Background(), owner, sessionID, answer)
	if err != nil {
		t.Fatalf("SubmitAnswer(%q): %v", answer, err)
	}
	return resp
}

func TestInterviewScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	started := env.start(t, "user-1", 2)
	if started.CurrentTurn != 1 || started.Question == "" {
		t.Fatalf("start = %+v, want turn 1 with a question", started)
	}

	second := env.submit(t, "user-1", started.SessionID, "I led a team of 3 engineers.")
	if second.CurrentTurn != 2 || second.Question == "" || second.AnsweredTurn != 1 {
		t.Fatalf("first submit = %+v, want turn 2 with a question", second)
	}

	env.pipeline.Wait()
	annotation, err := env.annotations.GetAnnotation(ctx, started.SessionID, 1)
	if err != nil {
		t.Fatalf("GetAnnotation: %v", err)
	}
	if annotation == nil {
		t.Fatal("expected an annotation for turn 1")
	}
	if annotation.SpecificityScore < 0.2 || annotation.SpecificityScore > 0.9 {
		t.Errorf("specificity = %v, want within [0.2, 0.9]", annotation.SpecificityScore)
	}

	final := env.submit(t, "user-1", started.SessionID, "We cut p99 latency by 40 percent after I redesigned the cache.")
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", final.Status)
	}
	if final.FinalScore == nil || *final.FinalScore < 0 || *final.FinalScore > 100 {
		t.Fatalf("final score = %v, want within [0, 100]", final.FinalScore)
	}
	if final.Question != "" {
		t.Errorf("terminal response carried a question: %q", final.Question)
	}

	result, err := env.engine.GetResult(ctx, "user-1", started.SessionID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Session.Status != models.StatusCompleted || result.Session.CompletedAt == nil {
		t.Errorf("session = %+v, want COMPLETED with completedAt", result.Session)
	}

	type slot struct {
		Turn int
		Role models.MessageRole
	}
	var got []slot
	for _, m := range result.Transcript {
		got = append(got, slot{m.TurnNumber, m.Role})
	}
	want := []slot{
		{1, models.RoleInterviewer},
		{1, models.RoleCandidate},
		{2, models.RoleInterviewer},
		{2, models.RoleCandidate},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitAnswerTurnsAreMonotonic(t *testing.T) {
	env := newTestEnv(t, nil)
	started := env.start(t, "user-1", 5)

	previous := started.CurrentTurn
	for i := 1; i < 5; i++ {
		resp := env.submit(t, "user-1", started.SessionID, fmt.Sprintf("answer number %d", i))
		if resp.CurrentTurn != previous+1 {
			t.Fatalf("submit %d: turn = %d, want %d", i, resp.CurrentTurn, previous+1)
		}
		if resp.CurrentTurn > resp.TotalTurns {
			t.Fatalf("submit %d: turn %d exceeds total %d", i, resp.CurrentTurn, resp.TotalTurns)
		}
		previous = resp.CurrentTurn
	}

	last := env.submit(t, "user-1", started.SessionID, "final answer")
	if last.CurrentTurn != 5 || last.Status != models.StatusCompleted {
		t.Fatalf("last = %+v, want COMPLETED at turn 5", last)
	}
}

func TestStartInterviewSingleInProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first := env.start(t, "user-1", 1)
	env.submit(t, "user-1", first.SessionID, "done")

	second := env.start(t, "user-1", 2)
	if _, err := env.engine.CancelInterview(ctx, "user-1", second.SessionID); err != nil {
		t.Fatalf("CancelInterview: %v", err)
	}

	env.start(t, "user-1", 2)
	_, err := env.engine.StartInterview(ctx, "user-1", StartInterviewRequest{
		JobCategory: "Backend",
		Difficulty:  models.DifficultySenior,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second in-progress start err = %v, want ErrConflict", err)
	}

	env.start(t, "user-2", 2)
}

func TestStartInterviewConcurrentStartsConflict(t *testing.T) {
	env := newTestEnv(t, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.StartInterview(context.Background(), "user-1", StartInterviewRequest{
				JobCategory: "Backend",
				Difficulty:  models.DifficultyJunior,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || conflicts != 7 {
		t.Fatalf("succeeded=%d conflicts=%d, want 1 and 7", succeeded, conflicts)
	}
}

func TestStartInterviewValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		req  StartInterviewRequest
	}{
		{"unknown difficulty", StartInterviewRequest{JobCategory: "Backend", Difficulty: "PRINCIPAL"}},
		{"negative turns", StartInterviewRequest{JobCategory: "Backend", Difficulty: models.DifficultyJunior, TotalTurns: -1}},
		{"missing job category", StartInterviewRequest{Difficulty: models.DifficultyJunior}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.StartInterview(context.Background(), "user-1", tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestStartInterviewDefaultsTotalTurns(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := env.engine.StartInterview(context.Background(), "user-1", StartInterviewRequest{
		JobCategory: "Backend",
		Difficulty:  "senior",
	})
	if err != nil {
		t.Fatalf("StartInterview: %v", err)
	}
	if resp.TotalTurns != models.DefaultTotalTurns {
		t.Errorf("total turns = %d, want %d", resp.TotalTurns, models.DefaultTotalTurns)
	}
}

func TestStartInterviewFallsBackToDefaultQuestion(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.setQuestionErr(errors.New("quota exceeded"))

	resp := env.start(t, "user-1", 3)
	if resp.Question != DefaultFirstQuestion {
		t.Fatalf("question = %q, want the default first question", resp.Question)
	}
	if resp.CurrentTurn != 1 {
		t.Fatalf("turn = %d, want 1", resp.CurrentTurn)
	}
}

func TestModifyAnswerAfterAdvanceTargetsAnsweredTurn(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	started := env.start(t, "user-1", 3)
	advanced := env.submit(t, "user-1", started.SessionID, "short")
	if advanced.CurrentTurn != 2 {
		t.Fatalf("turn = %d, want 2", advanced.CurrentTurn)
	}

	corrected := "When our deploys kept failing, my task was to fix CI. I built a new pipeline and the result was zero failed deploys."
	modified, err := env.engine.ModifyAnswer(ctx, "user-1", started.SessionID, corrected)
	if err != nil {
		t.Fatalf("ModifyAnswer: %v", err)
	}
	if modified.AnsweredTurn != 1 || modified.CurrentTurn != 2 || modified.Question != "" {
		t.Fatalf("modify = %+v, want answered turn 1, current turn 2, no question", modified)
	}

	result, err := env.engine.GetResult(ctx, "user-1", started.SessionID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	var candidates []models.InterviewMessage
	for _, m := range result.Transcript {
		if m.Role == models.RoleCandidate {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) != 1 {
		t.Fatalf("candidate messages = %d, want 1", len(candidates))
	}
	if candidates[0].TurnNumber != 1 || candidates[0].Text != corrected || candidates[0].Revision != 2 {
		t.Fatalf("candidate = %+v, want turn 1 rewritten at revision 2", candidates[0])
	}

	env.pipeline.Wait()
	annotation, err := env.annotations.GetAnnotation(ctx, started.SessionID, 1)
	if err != nil || annotation == nil {
		t.Fatalf("GetAnnotation = %v, %v", annotation, err)
	}
	if annotation.AnswerRevision != 2 {
		t.Errorf("annotation revision = %d, want 2", annotation.AnswerRevision)
	}
	if annotation.StarComplianceScore != 1.0 {
		t.Errorf("star compliance = %v, want 1.0 for the corrected answer", annotation.StarComplianceScore)
	}
	if got, _ := env.annotations.GetAnnotation(ctx, started.SessionID, 2); got != nil {
		t.Errorf("unexpected annotation for unanswered turn 2: %+v", got)
	}
}

func TestModifyAnswerErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	started := env.start(t, "user-1", 1)
	if _, err := env.engine.ModifyAnswer(ctx, "user-1", started.SessionID, "anything"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("modify before any answer err = %v, want ErrNotFound", err)
	}
	if _, err := env.engine.ModifyAnswer(ctx, "user-1", started.SessionID, "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank modify err = %v, want ErrValidation", err)
	}

	env.submit(t, "user-1", started.SessionID, "only answer")
	if _, err := env.engine.ModifyAnswer(ctx, "user-1", started.SessionID, "too late"); !errors.Is(err, ErrState) {
		t.Fatalf("modify after completion err = %v, want ErrState", err)
	}

	cancelled := env.start(t, "user-1", 3)
	env.submit(t, "user-1", cancelled.SessionID, "first answer")
	if _, err := env.engine.CancelInterview(ctx, "user-1", cancelled.SessionID); err != nil {
		t.Fatalf("CancelInterview: %v", err)
	}
	if _, err := env.engine.ModifyAnswer(ctx, "user-1", cancelled.SessionID, "too late"); !errors.Is(err, ErrState) {
		t.Fatalf("modify after cancel err = %v, want ErrState", err)
	}
}

func TestCompletionBoundary(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	started := env.start(t, "user-1", 3)

	for i := 1; i <= 2; i++ {
		resp := env.submit(t, "user-1", started.SessionID, fmt.Sprintf("answer %d", i))
		if resp.Status != models.StatusInProgress {
			t.Fatalf("submit %d: status = %s, want IN_PROGRESS", i, resp.Status)
		}
	}

	third := env.submit(t, "user-1", started.SessionID, "answer 3")
	if third.Status != models.StatusCompleted || third.FinalScore == nil || *third.FinalScore != 72 {
		t.Fatalf("third submit = %+v, want COMPLETED with score 72", third)
	}

	session, err := env.store.GetSession(ctx, started.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.CompletedAt == nil || session.FinalFeedback == nil {
		t.Fatalf("session = %+v, want completedAt and feedback", session)
	}

	if _, err := env.engine.SubmitAnswer(ctx, "user-1", started.SessionID, "answer 4"); !errors.Is(err, ErrState) {
		t.Fatalf("fourth submit err = %v, want ErrState", err)
	}
}

func TestFinalEvaluationSeesLastAnswer(t *testing.T) {
	env := newTestEnv(t, nil)
	started := env.start(t, "user-1", 1)
	env.submit(t, "user-1", started.SessionID, "the closing answer")

	answers := env.provider.lastContext().Answers()
	if diff := cmp.Diff([]string{"the closing answer"}, answers); diff != "" {
		t.Errorf("evaluation context answers (-want +got):\n%s", diff)
	}
}

func TestAnnotationFailureDoesNotAffectSubmit(t *testing.T) {
	tests := []struct {
		name   string
		jobFit JobFitEvaluator
	}{
		{"error", func(context.Context, AnswerSnapshot) (float64, error) {
			return 0, errors.New("scorer down")
		}},
		{"panic", func(context.Context, AnswerSnapshot) (float64, error) {
			panic("scorer exploded")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, []ReflectionOption{WithJobFit(tt.jobFit)})
			started := env.start(t, "user-1", 2)

			resp := env.submit(t, "user-1", started.SessionID, "I led a team of 3 engineers.")
			if resp.CurrentTurn != 2 || resp.Question == "" {
				t.Fatalf("submit = %+v, want the next question", resp)
			}

			env.pipeline.Wait()
			annotation, err := env.annotations.GetAnnotation(context.Background(), started.SessionID, 1)
			if err != nil {
				t.Fatalf("GetAnnotation: %v", err)
			}
			if annotation != nil {
				t.Fatalf("annotation = %+v, want none", annotation)
			}
		})
	}
}

func TestGetResultIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	started := env.start(t, "user-1", 3)
	env.submit(t, "user-1", started.SessionID, "first answer")

	first, err := env.engine.GetResult(ctx, "user-1", started.SessionID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	second, err := env.engine.GetResult(ctx, "user-1", started.SessionID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}

	a, _ := json.Marshal(first.Transcript)
	b, _ := json.Marshal(second.Transcript)
	if !bytes.Equal(a, b) {
		t.Fatalf("transcripts differ:\n%s\n%s", a, b)
	}
}

func TestForeignSessionsAreNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	started := env.start(t, "owner", 2)

	calls := map[string]func() error{
		"submit": func() error {
			_, err := env.engine.SubmitAnswer(ctx, "intruder", started.SessionID, "hello")
			return err
		},
		"modify": func() error {
			_, err := env.engine.ModifyAnswer(ctx, "intruder", started.SessionID, "hello")
			return err
		},
		"result": func() error {
			_, err := env.engine.GetResult(ctx, "intruder", started.SessionID)
			return err
		},
		"cancel": func() error {
			_, err := env.engine.CancelInterview(ctx, "intruder", started.SessionID)
			return err
		},
		"missing": func() error {
			_, err := env.engine.GetResult(ctx, "owner", "does-not-exist")
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			if err := call(); !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}

	result, err := env.engine.GetResult(ctx, "owner", started.SessionID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Session.Status != models.StatusInProgress || len(result.Transcript) != 1 {
		t.Fatalf("owner's session was modified: %+v", result)
	}
}

func TestSubmitAnswerUpstreamFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	started := env.start(t, "user-1", 3)

	env.provider.setQuestionErr(errors.New("503 from model"))
	if _, err := env.engine.SubmitAnswer(ctx, "user-1", started.SessionID, "my answer"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}

	session, _ := env.store.GetSession(ctx, started.SessionID)
	if session.CurrentTurn != 1 {
		t.Fatalf("turn = %d after failed submit, want 1", session.CurrentTurn)
	}
	latest, _ := env.store.FindLatestCandidateMessage(ctx, started.SessionID)
	if latest != nil {
		t.Fatalf("answer recorded despite provider failure: %+v", latest)
	}

	env.provider.setQuestionErr(nil)
	resp := env.submit(t, "user-1", started.SessionID, "my answer")
	if resp.CurrentTurn != 2 {
		t.Fatalf("retry turn = %d, want 2", resp.CurrentTurn)
	}
}

func TestSubmitAnswerProviderTimeout(t *testing.T) {
	store := repository.NewMemoryStore()
	annotations := repository.NewMemoryAnnotationStore()
	pipeline := NewReflectionPipeline(annotations)
	t.Cleanup(pipeline.Wait)
	engine := NewInterviewEngine(store, annotations, blockingProvider{}, pipeline, WithProviderTimeout(20*time.Millisecond))

	started, err := engine.StartInterview(context.Background(), "user-1", StartInterviewRequest{
		JobCategory: "Backend",
		Difficulty:  models.DifficultyJunior,
		TotalTurns:  2,
	})
	if err != nil {
		t.Fatalf("StartInterview: %v", err)
	}
	if started.Question != DefaultFirstQuestion {
		t.Fatalf("question = %q, want default after timeout", started.Question)
	}

	_, err = engine.SubmitAnswer(context.Background(), "user-1", started.SessionID, "answer")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

type blockingProvider struct{}

func (blockingProvider) NextQuestion(ctx context.Context, qc QuestionContext) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingProvider) FinalEvaluation(ctx context.Context, qc QuestionContext) (Evaluation, error) {
	<-ctx.Done()
	return Evaluation{}, ctx.Err()
}

func TestSubmitAnswerValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	started := env.start(t, "user-1", 2)
	if _, err := env.engine.SubmitAnswer(context.Background(), "user-1", started.SessionID, " \n\t"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestConcurrentSubmitsOnOneSession(t *testing.T) {
	env := newTestEnv(t, nil)
	started := env.start(t, "user-1", 5)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.SubmitAnswer(context.Background(), "user-1", started.SessionID, fmt.Sprintf("answer %d", i))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	result, err := env.engine.GetResult(context.Background(), "user-1", started.SessionID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	perTurn := map[int]int{}
	for _, m := range result.Transcript {
		if m.Role == models.RoleCandidate {
			perTurn[m.TurnNumber]++
		}
	}
	for turn, n := range perTurn {
		if n != 1 {
			t.Errorf("turn %d has %d answers", turn, n)
		}
	}
	if result.Session.Status != models.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED after 5 successful submits", result.Session.Status)
	}
}

func TestCancelInterview(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	started := env.start(t, "user-1", 2)

	resp, err := env.engine.CancelInterview(ctx, "user-1", started.SessionID)
	if err != nil {
		t.Fatalf("CancelInterview: %v", err)
	}
	if resp.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", resp.Status)
	}
	if _, err := env.engine.CancelInterview(ctx, "user-1", started.SessionID); !errors.Is(err, ErrState) {
		t.Fatalf("second cancel err = %v, want ErrState", err)
	}
	if _, err := env.engine.SubmitAnswer(ctx, "user-1", started.SessionID, "late"); !errors.Is(err, ErrState) {
		t.Fatalf("submit after cancel err = %v, want ErrState", err)
	}
}

func TestListHistoryNewestFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var ids []string
	for range 3 {
		started := env.start(t, "user-1", 1)
		env.submit(t, "user-1", started.SessionID, "done")
		ids = append(ids, started.SessionID)
		time.Sleep(2 * time.Millisecond)
	}
	env.start(t, "user-2", 1)

	sessions, err := env.engine.ListHistory(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	var got []string
	for _, s := range sessions {
		got = append(got, s.ID)
	}
	want := []string{ids[2], ids[1], ids[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history order (-want +got):\n%s", diff)
	}

	empty, err := env.engine.ListHistory(ctx, "nobody")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("ListHistory(nobody) = %v, %v, want empty slice", empty, err)
	}
}

func TestNotificationsAreFireAndForget(t *testing.T) {
	sink := &recordingSink{err: errors.New("push gateway down")}
	env := newTestEnv(t, nil, WithNotificationSink(sink))

	started := env.start(t, "user-1", 2)
	env.submit(t, "user-1", started.SessionID, "first")
	env.submit(t, "user-1", started.SessionID, "second")

	want := []string{
		"user-1 " + EventInterviewStarted,
		"user-1 " + EventAnswerRecorded,
		"user-1 " + EventInterviewCompleted,
	}
	if diff := cmp.Diff(want, sink.Events()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestCancelIdleSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	idle := env.start(t, "user-1", 3)
	done := env.start(t, "user-2", 1)
	env.submit(t, "user-2", done.SessionID, "finished")

	cancelled, err := env.engine.CancelIdleSessions(ctx, time.Now().Add(time.Hour), "Timed out.")
	if err != nil {
		t.Fatalf("CancelIdleSessions: %v", err)
	}
	if cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", cancelled)
	}

	result, err := env.engine.GetResult(ctx, "user-1", idle.SessionID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Session.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", result.Session.Status)
	}
	last := result.Transcript[len(result.Transcript)-1]
	if last.Role != models.RoleSystem || last.Text != "Timed out." || last.TurnNumber != 1 {
		t.Fatalf("last message = %+v, want the SYSTEM notice at turn 1", last)
	}

	again, err := env.engine.CancelIdleSessions(ctx, time.Now().Add(time.Hour), "Timed out.")
	if err != nil || again != 0 {
		t.Fatalf("second sweep = %d, %v, want 0", again, err)
	}
}

func TestModifyAnswerKeepsSessionActive(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	started := env.start(t, "user-1", 3)
	env.submit(t, "user-1", started.SessionID, "first answer")

	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	if _, err := env.engine.ModifyAnswer(ctx, "user-1", started.SessionID, "first answer, revised"); err != nil {
		t.Fatalf("ModifyAnswer: %v", err)
	}

	cancelled, err := env.engine.CancelIdleSessions(ctx, cutoff, "Timed out.")
	if err != nil {
		t.Fatalf("CancelIdleSessions: %v", err)
	}
	if cancelled != 0 {
		t.Fatalf("cancelled = %d, want 0 for a session edited after the cutoff", cancelled)
	}
	result, err := env.engine.GetResult(ctx, "user-1", started.SessionID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Session.Status != models.StatusInProgress || !result.Session.UpdatedAt.After(cutoff) {
		t.Fatalf("session = %+v, want IN_PROGRESS touched after %v", result.Session, cutoff)
	}
}

// flakyLogStore counts transactions and can fail message appends.
type flakyLogStore struct {
	*repository.MemoryStore
	mu           sync.Mutex
	transactions int
	failAppend   error
}

func (s *flakyLogStore) Transaction(ctx context.Context, fn func(repository.Store) error) error {
	s.mu.Lock()
	s.transactions++
	s.mu.Unlock()
	return fn(s)
}

func (s *flakyLogStore) AppendMessage(ctx context.Context, sessionID string, turnNumber int, role models.MessageRole, text string) (*models.InterviewMessage, error) {
	s.mu.Lock()
	err := s.failAppend
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.AppendMessage(ctx, sessionID, turnNumber, role, text)
}

func (s *flakyLogStore) setFailAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
}

func (s *flakyLogStore) transactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions
}

func TestStartInterviewOpensSessionInOneTransaction(t *testing.T) {
	ctx := context.Background()
	store := &flakyLogStore{MemoryStore: repository.NewMemoryStore()}
	annotations := repository.NewMemoryAnnotationStore()
	pipeline := NewReflectionPipeline(annotations)
	t.Cleanup(pipeline.Wait)
	provider := &scriptedProvider{score: 72}
	engine := NewInterviewEngine(store, annotations, provider, pipeline)
	req := StartInterviewRequest{JobCategory: "Backend", Difficulty: models.DifficultyJunior, TotalTurns: 2}

	store.setFailAppend(errors.New("disk full"))
	if _, err := engine.StartInterview(ctx, "user-1", req); err == nil {
		t.Fatal("expected the start to fail when the first question cannot be written")
	}
	sessions, err := store.ListSessionsByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessionsByOwner: %v", err)
	}
	for _, s := range sessions {
		if s.Status == models.StatusInProgress {
			t.Fatalf("session %s left IN_PROGRESS after a failed start", s.ID)
		}
	}

	store.setFailAppend(nil)
	before := store.transactionCount()
	started, err := engine.StartInterview(ctx, "user-1", req)
	if err != nil {
		t.Fatalf("StartInterview after failure: %v", err)
	}
	if got := store.transactionCount() - before; got != 1 {
		t.Errorf("transactions = %d, want 1", got)
	}
	transcript, err := repository.CollectMessages(store.ListByTurnOrder(ctx, started.SessionID))
	if err != nil {
		t.Fatalf("ListByTurnOrder: %v", err)
	}
	if len(transcript) != 1 || transcript[0].Role != models.RoleInterviewer || transcript[0].TurnNumber != 1 {
		t.Fatalf("transcript = %+v, want the first question only", transcript)
	}

	provider.mu.Lock()
	calls := len(provider.contexts)
	provider.mu.Unlock()
	if _, err := engine.StartInterview(ctx, "user-1", req); !errors.Is(err, ErrConflict) {
		t.Fatalf("second start err = %v, want ErrConflict", err)
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.contexts) != calls {
		t.Errorf("provider called %d times for a conflicting start", len(provider.contexts)-calls)
	}
}
