package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schoolkit/cbt-service/internal/events"
	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/validator"
)

type attemptTestEnv struct {
	repo      *fakeRepository
	clock     *fakeClock
	publisher *events.MockEventPublisher
	svc       AttemptService
}

func newAttemptTestEnv(t *testing.T, cheatThreshold int) *attemptTestEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := newFakeRepository()
	clock := newFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	publisher := events.NewMockEventPublisher(logger)

	repo.addUser(&models.User{ID: "student-1", FullName: "First Student", Role: models.RoleStudent})
	repo.addUser(&models.User{ID: "student-2", FullName: "Second Student", Role: models.RoleStudent})
	repo.addUser(&models.User{ID: "teacher-1", FullName: "The Teacher", Role: models.RoleTeacher})

	repo.addTest(&models.Test{
		ID:              1,
		Title:           "Unit Exam",
		DurationMinutes: 30,
		PassingScore:    50,
		Status:          models.StatusActive,
		CreatedBy:       "teacher-1",
	})
	repo.addQuestion(mcQuestion(1, 10, "a"))
	repo.addQuestion(tfQuestion(2, 10, true))

	svc := NewAttemptService(repo, nil, logger, validator.New(), NewScoringService(), publisher, clock, cheatThreshold)

	return &attemptTestEnv{repo: repo, clock: clock, publisher: publisher, svc: svc}
}

func (e *attemptTestEnv) start(t *testing.T, studentID string) *AttemptResponse {
	t.Helper()
	resp, err := e.svc.Start(context.Background(), &StartAttemptRequest{TestID: 1}, studentID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return resp
}

func TestStartAttempt(t *testing.T) {
	env := newAttemptTestEnv(t, 3)

	resp := env.start(t, "student-1")

	if resp.Status != models.AttemptInProgress {
		t.Errorf("Status = %v, want %v", resp.Status, models.AttemptInProgress)
	}
	wantDeadline := env.clock.Now().Add(30 * time.Minute)
	if !resp.DeadlineAt.Equal(wantDeadline) {
		t.Errorf("DeadlineAt = %v, want %v", resp.DeadlineAt, wantDeadline)
	}
	if !resp.CanSubmit {
		t.Error("CanSubmit = false, want true")
	}
	if len(resp.Questions) != 2 {
		t.Fatalf("len(Questions) = %d, want 2", len(resp.Questions))
	}
	for _, q := range resp.Questions {
		if strings.Contains(string(q.Content), "is_correct") || strings.Contains(string(q.Content), "correct_answer") {
			t.Errorf("question %d content leaks answer key: %s", q.ID, q.Content)
		}
	}
}

func TestStartAttempt_ReentryReturnsLiveAttempt(t *testing.T) {
	env := newAttemptTestEnv(t, 3)

	first := env.start(t, "student-1")
	env.clock.Advance(5 * time.Minute)
	second := env.start(t, "student-1")

	if first.ID != second.ID {
		t.Errorf("re-entry opened a new attempt: first = %d, second = %d", first.ID, second.ID)
	}
	if second.TimeRemainingSeconds != 25*60 {
		t.Errorf("TimeRemainingSeconds = %d, want %d", second.TimeRemainingSeconds, 25*60)
	}
}

func TestStartAttempt_ReentryAfterDeadlineOpensNewAttempt(t *testing.T) {
	env := newAttemptTestEnv(t, 3)

	first := env.start(t, "student-1")
	env.clock.Advance(31 * time.Minute)
	second := env.start(t, "student-1")

	if first.ID == second.ID {
		t.Fatal("expected a fresh attempt after the old one expired")
	}
	stale := env.repo.storedAttempt(first.ID)
	if stale.Status != models.AttemptExpired {
		t.Errorf("stale attempt status = %v, want %v", stale.Status, models.AttemptExpired)
	}
	if stale.CloseReason == nil || *stale.CloseReason != models.CloseReasonDeadline {
		t.Errorf("stale attempt close reason = %v, want %q", stale.CloseReason, models.CloseReasonDeadline)
	}
}

func TestStartAttempt_Unavailable(t *testing.T) {
	env := newAttemptTestEnv(t, 3)

	future := env.clock.Now().Add(time.Hour)
	past := env.clock.Now().Add(-time.Hour)
	env.repo.addTest(&models.Test{
		ID: 2, Title: "Not Yet", DurationMinutes: 30, PassingScore: 50,
		Status: models.StatusActive, CreatedBy: "teacher-1", StartTime: &future,
	})
	env.repo.addTest(&models.Test{
		ID: 3, Title: "Over", DurationMinutes: 30, PassingScore: 50,
		Status: models.StatusActive, CreatedBy: "teacher-1", EndTime: &past,
	})
	env.repo.addTest(&models.Test{
		ID: 4, Title: "Draft", DurationMinutes: 30, PassingScore: 50,
		Status: models.StatusDraft, CreatedBy: "teacher-1",
	})

	for _, testID := range []uint{2, 3, 4} {
		_, err := env.svc.Start(context.Background(), &StartAttemptRequest{TestID: testID}, "student-1")
		if !errors.Is(err, ErrTestNotAvailable) {
			t.Errorf("Start(test %d) error = %v, want ErrTestNotAvailable", testID, err)
		}
	}
}

func TestStartAttempt_DeadlineClippedToWindowEnd(t *testing.T) {
	env := newAttemptTestEnv(t, 3)

	end := env.clock.Now().Add(10 * time.Minute)
	env.repo.addTest(&models.Test{
		ID: 2, Title: "Closing Soon", DurationMinutes: 30, PassingScore: 50,
		Status: models.StatusActive, CreatedBy: "teacher-1", EndTime: &end,
	})

	resp, err := env.svc.Start(context.Background(), &StartAttemptRequest{TestID: 2}, "student-1")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !resp.DeadlineAt.Equal(end) {
		t.Errorf("DeadlineAt = %v, want window end %v", resp.DeadlineAt, end)
	}
}

func TestSubmitAnswer_LastWriteWins(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	if err := env.svc.SubmitAnswer(ctx, attempt.ID, &SubmitAnswerRequest{QuestionID: 1, AnswerText: "a"}, "student-1"); err != nil {
		t.Fatalf("SubmitAnswer() error = %v", err)
	}
	env.clock.Advance(time.Minute)
	if err := env.svc.SubmitAnswer(ctx, attempt.ID, &SubmitAnswerRequest{QuestionID: 1, AnswerText: "b"}, "student-1"); err != nil {
		t.Fatalf("SubmitAnswer() error = %v", err)
	}

	stored, err := env.repo.Answer().GetByAttemptAndQuestion(ctx, nil, attempt.ID, 1)
	if err != nil {
		t.Fatalf("GetByAttemptAndQuestion() error = %v", err)
	}
	if stored.AnswerText != "b" {
		t.Errorf("AnswerText = %q, want the later submission %q", stored.AnswerText, "b")
	}

	count, _ := env.repo.Answer().CountByAttempt(ctx, nil, attempt.ID)
	if count != 1 {
		t.Errorf("answer rows = %d, want 1 (upsert, not insert)", count)
	}
}

func TestSubmitAnswer_Validation(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	tests := []struct {
		name       string
		questionID uint
		answer     string
		wantRule   string
	}{
		{name: "unknown multiple choice option", questionID: 1, answer: "z", wantRule: "answer_option"},
		{name: "bad true/false token", questionID: 2, answer: "yes", wantRule: "answer_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.svc.SubmitAnswer(ctx, attempt.ID, &SubmitAnswerRequest{QuestionID: tt.questionID, AnswerText: tt.answer}, "student-1")
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("SubmitAnswer() error = %v, want ValidationErrors", err)
			}
			if len(verrs) != 1 || verrs[0].Rule != tt.wantRule {
				t.Errorf("rule = %v, want %q", verrs, tt.wantRule)
			}
		})
	}
}

func TestSubmitAnswer_NormalizesTrueFalseToken(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	if err := env.svc.SubmitAnswer(ctx, attempt.ID, &SubmitAnswerRequest{QuestionID: 2, AnswerText: "  TRUE "}, "student-1"); err != nil {
		t.Fatalf("SubmitAnswer() error = %v", err)
	}

	stored, err := env.repo.Answer().GetByAttemptAndQuestion(ctx, nil, attempt.ID, 2)
	if err != nil {
		t.Fatalf("GetByAttemptAndQuestion() error = %v", err)
	}
	if stored.AnswerText != models.AnswerTokenTrue {
		t.Errorf("AnswerText = %q, want canonical token %q", stored.AnswerText, models.AnswerTokenTrue)
	}
}

func TestSubmitAnswer_QuestionFromAnotherTest(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")

	other := mcQuestion(99, 10, "a")
	other.TestID = 42
	env.repo.addQuestion(other)

	err := env.svc.SubmitAnswer(context.Background(), attempt.ID, &SubmitAnswerRequest{QuestionID: 99, AnswerText: "a"}, "student-1")
	if !errors.Is(err, ErrQuestionNotFound) {
		t.Errorf("SubmitAnswer() error = %v, want ErrQuestionNotFound", err)
	}
}

func TestSubmitAnswer_AfterDeadlineExpiresAttempt(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	if err := env.svc.SubmitAnswer(ctx, attempt.ID, &SubmitAnswerRequest{QuestionID: 1, AnswerText: "a"}, "student-1"); err != nil {
		t.Fatalf("SubmitAnswer() error = %v", err)
	}

	env.clock.Advance(31 * time.Minute)

	err := env.svc.SubmitAnswer(ctx, attempt.ID, &SubmitAnswerRequest{QuestionID: 2, AnswerText: "true"}, "student-1")
	if !errors.Is(err, ErrAttemptNotActive) {
		t.Fatalf("SubmitAnswer() error = %v, want ErrAttemptNotActive", err)
	}

	stored := env.repo.storedAttempt(attempt.ID)
	if stored.Status != models.AttemptExpired {
		t.Errorf("Status = %v, want %v", stored.Status, models.AttemptExpired)
	}
	if stored.Score == nil {
		t.Fatal("Score = nil, want the answers scored at expiry")
	}
	// One of two 10-point questions answered correctly
	if *stored.Score != 50 {
		t.Errorf("Score = %v, want 50", *stored.Score)
	}
}

func TestSubmitAnswer_NotOwner(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")

	err := env.svc.SubmitAnswer(context.Background(), attempt.ID, &SubmitAnswerRequest{QuestionID: 1, AnswerText: "a"}, "student-2")
	var perr *PermissionError
	if !errors.As(err, &perr) {
		t.Errorf("SubmitAnswer() error = %v, want PermissionError", err)
	}
}

func TestRecordCheatEvent_BlocksAtThreshold(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		resp, err := env.svc.RecordCheatEvent(ctx, attempt.ID, &CheatEventRequest{EventType: "tab_switch"}, "student-1")
		if err != nil {
			t.Fatalf("RecordCheatEvent(%d) error = %v", i, err)
		}
		if resp.Blocked {
			t.Fatalf("Blocked after %d events, want blocking only at 3", i)
		}
		if resp.ViolationCount != i {
			t.Errorf("ViolationCount = %d, want %d", resp.ViolationCount, i)
		}
	}

	resp, err := env.svc.RecordCheatEvent(ctx, attempt.ID, &CheatEventRequest{EventType: "fullscreen_exit"}, "student-1")
	if err != nil {
		t.Fatalf("RecordCheatEvent() error = %v", err)
	}
	if !resp.Blocked || resp.ViolationCount != 3 {
		t.Errorf("got blocked=%v count=%d, want blocked=true count=3", resp.Blocked, resp.ViolationCount)
	}

	stored := env.repo.storedAttempt(attempt.ID)
	if stored.Status != models.AttemptBlocked {
		t.Errorf("Status = %v, want %v", stored.Status, models.AttemptBlocked)
	}
	if stored.Score == nil {
		t.Error("Score = nil, want blocked attempts scored")
	}
	if stored.BlockedReason == nil {
		t.Error("BlockedReason = nil, want the threshold recorded")
	}
}

func TestRecordCheatEvent_RejectedAfterClose(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	if _, err := env.svc.Finish(ctx, attempt.ID, "student-1"); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	_, err := env.svc.RecordCheatEvent(ctx, attempt.ID, &CheatEventRequest{EventType: "tab_switch"}, "student-1")
	if !errors.Is(err, ErrAttemptNotActive) {
		t.Errorf("RecordCheatEvent() error = %v, want ErrAttemptNotActive", err)
	}
}

func TestRecordCheatEvent_UnknownType(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")

	_, err := env.svc.RecordCheatEvent(context.Background(), attempt.ID, &CheatEventRequest{EventType: "sneezed"}, "student-1")
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Errorf("RecordCheatEvent() error = %v, want ValidationErrors", err)
	}
}

func TestFinish_ScoresAndIsIdempotent(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	if err := env.svc.SubmitAnswer(ctx, attempt.ID, &SubmitAnswerRequest{QuestionID: 1, AnswerText: "a"}, "student-1"); err != nil {
		t.Fatalf("SubmitAnswer() error = %v", err)
	}
	if err := env.svc.SubmitAnswer(ctx, attempt.ID, &SubmitAnswerRequest{QuestionID: 2, AnswerText: "true"}, "student-1"); err != nil {
		t.Fatalf("SubmitAnswer() error = %v", err)
	}

	first, err := env.svc.Finish(ctx, attempt.ID, "student-1")
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if first.Status != models.AttemptCompleted {
		t.Errorf("Status = %v, want %v", first.Status, models.AttemptCompleted)
	}
	if first.Score == nil || *first.Score != 100 {
		t.Errorf("Score = %v, want 100", first.Score)
	}
	if first.IsPassed == nil || !*first.IsPassed {
		t.Errorf("IsPassed = %v, want true", first.IsPassed)
	}

	env.clock.Advance(time.Hour)
	second, err := env.svc.Finish(ctx, attempt.ID, "student-1")
	if err != nil {
		t.Fatalf("second Finish() error = %v", err)
	}
	if second.Status != models.AttemptCompleted || *second.Score != *first.Score {
		t.Errorf("second Finish changed the outcome: %+v", second.Attempt)
	}
	if !second.FinishedAt.Equal(*first.FinishedAt) {
		t.Errorf("FinishedAt moved on repeat Finish: %v -> %v", first.FinishedAt, second.FinishedAt)
	}
}

func TestGetCurrentAttempt(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	ctx := context.Background()

	if _, err := env.svc.GetCurrentAttempt(ctx, 1, "student-1"); !errors.Is(err, ErrAttemptNotFound) {
		t.Errorf("GetCurrentAttempt() before start: error = %v, want ErrAttemptNotFound", err)
	}

	attempt := env.start(t, "student-1")
	current, err := env.svc.GetCurrentAttempt(ctx, 1, "student-1")
	if err != nil {
		t.Fatalf("GetCurrentAttempt() error = %v", err)
	}
	if current.ID != attempt.ID {
		t.Errorf("ID = %d, want %d", current.ID, attempt.ID)
	}

	if _, err := env.svc.Finish(ctx, attempt.ID, "student-1"); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if _, err := env.svc.GetCurrentAttempt(ctx, 1, "student-1"); !errors.Is(err, ErrAttemptNotFound) {
		t.Errorf("GetCurrentAttempt() after finish: error = %v, want ErrAttemptNotFound", err)
	}
}

func TestGetTimeRemaining(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	remaining, err := env.svc.GetTimeRemaining(ctx, attempt.ID, "student-1")
	if err != nil {
		t.Fatalf("GetTimeRemaining() error = %v", err)
	}
	if remaining != 30*60 {
		t.Errorf("remaining = %d, want %d", remaining, 30*60)
	}

	env.clock.Advance(10 * time.Minute)
	remaining, err = env.svc.GetTimeRemaining(ctx, attempt.ID, "student-1")
	if err != nil {
		t.Fatalf("GetTimeRemaining() error = %v", err)
	}
	if remaining != 20*60 {
		t.Errorf("remaining = %d, want %d", remaining, 20*60)
	}
}

func TestGetTimeRemaining_SettlesMissedDeadline(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")

	env.clock.Advance(31 * time.Minute)

	_, err := env.svc.GetTimeRemaining(context.Background(), attempt.ID, "student-1")
	if !errors.Is(err, ErrAttemptNotActive) {
		t.Errorf("GetTimeRemaining() error = %v, want ErrAttemptNotActive", err)
	}

	stored := env.repo.storedAttempt(attempt.ID)
	if stored.Status != models.AttemptExpired {
		t.Errorf("Status = %v, want %v", stored.Status, models.AttemptExpired)
	}
	if stored.CloseReason == nil || *stored.CloseReason != models.CloseReasonDeadline {
		t.Errorf("CloseReason = %v, want %q", stored.CloseReason, models.CloseReasonDeadline)
	}
}

func TestSettleOverdue(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")

	env.clock.Advance(31 * time.Minute)

	settled, err := env.svc.SettleOverdue(context.Background(), 10)
	if err != nil {
		t.Fatalf("SettleOverdue() error = %v", err)
	}
	if settled != 1 {
		t.Errorf("settled = %d, want 1", settled)
	}

	stored := env.repo.storedAttempt(attempt.ID)
	if stored.Status != models.AttemptExpired {
		t.Errorf("Status = %v, want %v", stored.Status, models.AttemptExpired)
	}

	// Nothing left to settle
	settled, err = env.svc.SettleOverdue(context.Background(), 10)
	if err != nil {
		t.Fatalf("SettleOverdue() error = %v", err)
	}
	if settled != 0 {
		t.Errorf("second sweep settled = %d, want 0", settled)
	}
}

func TestCanStart(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	ctx := context.Background()

	validation, err := env.svc.CanStart(ctx, 1, "student-1")
	if err != nil {
		t.Fatalf("CanStart() error = %v", err)
	}
	if !validation.CanStart {
		t.Errorf("CanStart = false (%s), want true", validation.Reason)
	}

	env.start(t, "student-1")
	validation, err = env.svc.CanStart(ctx, 1, "student-1")
	if err != nil {
		t.Fatalf("CanStart() error = %v", err)
	}
	if validation.CanStart {
		t.Error("CanStart = true with a live attempt, want false")
	}
}

func TestListCheatEvents_Permissions(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	if _, err := env.svc.RecordCheatEvent(ctx, attempt.ID, &CheatEventRequest{EventType: "tab_switch"}, "student-1"); err != nil {
		t.Fatalf("RecordCheatEvent() error = %v", err)
	}

	// The owning teacher may read the ledger
	listed, err := env.svc.ListCheatEvents(ctx, attempt.ID, "teacher-1")
	if err != nil {
		t.Fatalf("ListCheatEvents() error = %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("len(events) = %d, want 1", len(listed))
	}

	// Students may not, not even the attempt owner
	_, err = env.svc.ListCheatEvents(ctx, attempt.ID, "student-1")
	var perr *PermissionError
	if !errors.As(err, &perr) {
		t.Errorf("ListCheatEvents() error = %v, want PermissionError", err)
	}
}

// Two events racing across the threshold must serialize: exactly one of
// them observes the crossing count and blocks the attempt.
func TestRecordCheatEvent_ConcurrentThresholdCrossing(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	if _, err := env.svc.RecordCheatEvent(ctx, attempt.ID, &CheatEventRequest{EventType: "tab_switch"}, "student-1"); err != nil {
		t.Fatalf("RecordCheatEvent() error = %v", err)
	}

	responses := make([]*CheatEventResponse, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = env.svc.RecordCheatEvent(ctx, attempt.ID, &CheatEventRequest{EventType: "window_blur"}, "student-1")
		}(i)
	}
	wg.Wait()

	blocked := 0
	for i := range responses {
		if errs[i] != nil {
			t.Fatalf("RecordCheatEvent(goroutine %d) error = %v", i, errs[i])
		}
		if responses[i].Blocked {
			blocked++
			if responses[i].ViolationCount != 3 {
				t.Errorf("blocking response ViolationCount = %d, want 3", responses[i].ViolationCount)
			}
		} else if responses[i].ViolationCount != 2 {
			t.Errorf("non-blocking response ViolationCount = %d, want 2", responses[i].ViolationCount)
		}
	}
	if blocked != 1 {
		t.Errorf("blocked responses = %d, want exactly 1", blocked)
	}

	stored := env.repo.storedAttempt(attempt.ID)
	if stored.Status != models.AttemptBlocked {
		t.Errorf("Status = %v, want %v", stored.Status, models.AttemptBlocked)
	}

	blockEvents := 0
	for _, e := range env.publisher.GetPublishedEvents() {
		if e.Type == events.EventAttemptBlocked {
			blockEvents++
		}
	}
	if blockEvents != 1 {
		t.Errorf("published %d block events, want exactly 1", blockEvents)
	}
}

// Finish racing a late SubmitAnswer: the transition out of the live state
// happens exactly once and the losing submit gets a conflict.
func TestFinish_RacingSubmitClosesOnce(t *testing.T) {
	env := newAttemptTestEnv(t, 3)
	attempt := env.start(t, "student-1")
	ctx := context.Background()

	if err := env.svc.SubmitAnswer(ctx, attempt.ID, &SubmitAnswerRequest{QuestionID: 1, AnswerText: "a"}, "student-1"); err != nil {
		t.Fatalf("SubmitAnswer() error = %v", err)
	}

	var (
		wg        sync.WaitGroup
		finishErr error
		submitErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, finishErr = env.svc.Finish(ctx, attempt.ID, "student-1")
	}()
	go func() {
		defer wg.Done()
		submitErr = env.svc.SubmitAnswer(ctx, attempt.ID, &SubmitAnswerRequest{QuestionID: 2, AnswerText: "true"}, "student-1")
	}()
	wg.Wait()

	if finishErr != nil {
		t.Fatalf("Finish() error = %v", finishErr)
	}
	if submitErr != nil && !errors.Is(submitErr, ErrAttemptNotActive) {
		t.Errorf("SubmitAnswer() error = %v, want nil or ErrAttemptNotActive", submitErr)
	}

	stored := env.repo.storedAttempt(attempt.ID)
	if stored.Status != models.AttemptCompleted {
		t.Errorf("Status = %v, want %v", stored.Status, models.AttemptCompleted)
	}
	if stored.Score == nil {
		t.Fatal("Score = nil, want the attempt scored")
	}

	// The stored score reflects whichever side of the race the second
	// answer landed on
	want := 50.0
	if submitErr == nil {
		want = 100.0
	}
	if *stored.Score != want {
		t.Errorf("Score = %v, want %v", *stored.Score, want)
	}

	closeEvents := 0
	for _, e := range env.publisher.GetPublishedEvents() {
		if e.Type == events.EventAttemptCompleted {
			closeEvents++
		}
	}
	if closeEvents != 1 {
		t.Errorf("published %d completion events, want exactly 1", closeEvents)
	}
}
