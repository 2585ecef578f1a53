package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
)

// fakeClock is a manually advanced clock for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRepository is an in-memory Repository. All getters return copies so
// services cannot mutate stored state without going through a write method.
type fakeRepository struct {
	mu sync.Mutex

	tests     map[uint]*models.Test
	questions map[uint]*models.Question
	attempts  map[uint]*models.Attempt
	answers   map[uint]*models.Answer
	events    []*models.CheatEvent
	users     map[string]*models.User

	nextAttemptID uint
	nextAnswerID  uint
	nextEventID   uint
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		tests:     make(map[uint]*models.Test),
		questions: make(map[uint]*models.Question),
		attempts:  make(map[uint]*models.Attempt),
		answers:   make(map[uint]*models.Answer),
		users:     make(map[string]*models.User),
	}
}

func (f *fakeRepository) addTest(test *models.Test) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *test
	f.tests[test.ID] = &cp
}

func (f *fakeRepository) addQuestion(q *models.Question) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *q
	f.questions[q.ID] = &cp
}

func (f *fakeRepository) addUser(u *models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *u
	f.users[u.ID] = &cp
}

func (f *fakeRepository) storedAttempt(id uint) *models.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[id]; ok {
		cp := *a
		return &cp
	}
	return nil
}

func (f *fakeRepository) Test() repositories.TestRepository         { return &fakeTestRepo{f} }
func (f *fakeRepository) Question() repositories.QuestionRepository { return &fakeQuestionRepo{f} }
func (f *fakeRepository) Attempt() repositories.AttemptRepository   { return &fakeAttemptRepo{f} }
func (f *fakeRepository) Answer() repositories.AnswerRepository     { return &fakeAnswerRepo{f} }
func (f *fakeRepository) CheatEvent() repositories.CheatEventRepository {
	return &fakeCheatEventRepo{f}
}
func (f *fakeRepository) User() repositories.UserRepository { return &fakeUserRepo{f} }

func (f *fakeRepository) WithTransaction(ctx context.Context, fn func(repositories.Repository) error) error {
	return fn(f)
}

func (f *fakeRepository) Ping(ctx context.Context) error { return nil }
func (f *fakeRepository) Close() error                   { return nil }

// ===== TEST REPO =====

type fakeTestRepo struct{ f *fakeRepository }

func (r *fakeTestRepo) Create(ctx context.Context, tx *gorm.DB, test *models.Test) error {
	r.f.addTest(test)
	return nil
}

func (r *fakeTestRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Test, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	t, ok := r.f.tests[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeTestRepo) GetByIDWithQuestions(ctx context.Context, tx *gorm.DB, id uint) (*models.Test, error) {
	test, err := r.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, q := range r.f.questions {
		if q.TestID == id {
			test.Questions = append(test.Questions, *q)
		}
	}
	return test, nil
}

func (r *fakeTestRepo) Update(ctx context.Context, tx *gorm.DB, test *models.Test) error {
	r.f.addTest(test)
	return nil
}

func (r *fakeTestRepo) Delete(ctx context.Context, tx *gorm.DB, id uint) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	delete(r.f.tests, id)
	return nil
}

func (r *fakeTestRepo) List(ctx context.Context, tx *gorm.DB, filters repositories.TestFilters) ([]*models.Test, int64, error) {
	return nil, 0, nil
}

func (r *fakeTestRepo) GetByCreator(ctx context.Context, tx *gorm.DB, creatorID string, filters repositories.TestFilters) ([]*models.Test, int64, error) {
	return nil, 0, nil
}

func (r *fakeTestRepo) ExistsByID(ctx context.Context, tx *gorm.DB, id uint) (bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	_, ok := r.f.tests[id]
	return ok, nil
}

func (r *fakeTestRepo) IsOwner(ctx context.Context, tx *gorm.DB, id uint, userID string) (bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	t, ok := r.f.tests[id]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	return t.CreatedBy == userID, nil
}

// ===== QUESTION REPO =====

type fakeQuestionRepo struct{ f *fakeRepository }

func (r *fakeQuestionRepo) Create(ctx context.Context, tx *gorm.DB, question *models.Question) error {
	r.f.addQuestion(question)
	return nil
}

func (r *fakeQuestionRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Question, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	q, ok := r.f.questions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *q
	return &cp, nil
}

func (r *fakeQuestionRepo) Update(ctx context.Context, tx *gorm.DB, question *models.Question) error {
	r.f.addQuestion(question)
	return nil
}

func (r *fakeQuestionRepo) Delete(ctx context.Context, tx *gorm.DB, id uint) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	delete(r.f.questions, id)
	return nil
}

func (r *fakeQuestionRepo) CreateBatch(ctx context.Context, tx *gorm.DB, questions []*models.Question) error {
	for _, q := range questions {
		r.f.addQuestion(q)
	}
	return nil
}

func (r *fakeQuestionRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uint) ([]*models.Question, error) {
	result := make([]*models.Question, 0, len(ids))
	for _, id := range ids {
		q, err := r.GetByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, nil
}

func (r *fakeQuestionRepo) GetByTest(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.Question, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var result []*models.Question
	for _, q := range r.f.questions {
		if q.TestID == testID {
			cp := *q
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Order < result[j].Order })
	return result, nil
}

func (r *fakeQuestionRepo) CountByTest(ctx context.Context, tx *gorm.DB, testID uint) (int64, error) {
	qs, _ := r.GetByTest(ctx, tx, testID)
	return int64(len(qs)), nil
}

func (r *fakeQuestionRepo) TotalPointsByTest(ctx context.Context, tx *gorm.DB, testID uint) (int, error) {
	qs, _ := r.GetByTest(ctx, tx, testID)
	total := 0
	for _, q := range qs {
		total += q.Points
	}
	return total, nil
}

// ===== ATTEMPT REPO =====

type fakeAttemptRepo struct{ f *fakeRepository }

func (r *fakeAttemptRepo) Create(ctx context.Context, tx *gorm.DB, attempt *models.Attempt) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	r.f.nextAttemptID++
	attempt.ID = r.f.nextAttemptID
	cp := *attempt
	r.f.attempts[attempt.ID] = &cp
	return nil
}

func (r *fakeAttemptRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Attempt, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	a, ok := r.f.attempts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeAttemptRepo) GetByIDWithDetails(ctx context.Context, tx *gorm.DB, id uint) (*models.Attempt, error) {
	return r.GetByID(ctx, tx, id)
}

func (r *fakeAttemptRepo) Update(ctx context.Context, tx *gorm.DB, attempt *models.Attempt) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if _, ok := r.f.attempts[attempt.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *attempt
	r.f.attempts[attempt.ID] = &cp
	return nil
}

func (r *fakeAttemptRepo) List(ctx context.Context, tx *gorm.DB, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var result []*models.Attempt
	for _, a := range r.f.attempts {
		if filters.StudentID != nil && a.StudentID != *filters.StudentID {
			continue
		}
		if filters.Status != nil && a.Status != *filters.Status {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, int64(len(result)), nil
}

func (r *fakeAttemptRepo) GetByStudent(ctx context.Context, tx *gorm.DB, studentID string, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	filters.StudentID = &studentID
	return r.List(ctx, tx, filters)
}

func (r *fakeAttemptRepo) GetByTest(ctx context.Context, tx *gorm.DB, testID uint, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var result []*models.Attempt
	for _, a := range r.f.attempts {
		if a.TestID == testID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, int64(len(result)), nil
}

func (r *fakeAttemptRepo) GetTerminalByTest(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.Attempt, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var result []*models.Attempt
	for _, a := range r.f.attempts {
		if a.TestID == testID && a.Status.IsTerminal() {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *fakeAttemptRepo) GetActiveAttempt(ctx context.Context, tx *gorm.DB, studentID string, testID uint) (*models.Attempt, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, a := range r.f.attempts {
		if a.StudentID == studentID && a.TestID == testID && a.Status == models.AttemptInProgress {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeAttemptRepo) HasActiveAttempt(ctx context.Context, tx *gorm.DB, studentID string, testID uint) (bool, error) {
	_, err := r.GetActiveAttempt(ctx, tx, studentID, testID)
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *fakeAttemptRepo) Close(ctx context.Context, tx *gorm.DB, attempt *models.Attempt) (bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	stored, ok := r.f.attempts[attempt.ID]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if stored.Status != models.AttemptInProgress {
		return false, nil
	}
	stored.Status = attempt.Status
	stored.FinishedAt = attempt.FinishedAt
	stored.Score = attempt.Score
	stored.IsPassed = attempt.IsPassed
	stored.CloseReason = attempt.CloseReason
	stored.BlockedReason = attempt.BlockedReason
	return true, nil
}

func (r *fakeAttemptRepo) GetOverdueAttempts(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*models.Attempt, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var result []*models.Attempt
	for _, a := range r.f.attempts {
		if a.Status == models.AttemptInProgress && !now.Before(a.DeadlineAt) {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeadlineAt.Before(result[j].DeadlineAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *fakeAttemptRepo) GetTestAttemptStats(ctx context.Context, tx *gorm.DB, testID uint) (*repositories.TestAttemptStats, error) {
	return &repositories.TestAttemptStats{}, nil
}

// ===== ANSWER REPO =====

type fakeAnswerRepo struct{ f *fakeRepository }

func (r *fakeAnswerRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Answer, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	a, ok := r.f.answers[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeAnswerRepo) GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.Answer, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var result []*models.Answer
	for _, a := range r.f.answers {
		if a.AttemptID == attemptID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].QuestionID < result[j].QuestionID })
	return result, nil
}

func (r *fakeAnswerRepo) GetByAttemptAndQuestion(ctx context.Context, tx *gorm.DB, attemptID, questionID uint) (*models.Answer, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, a := range r.f.answers {
		if a.AttemptID == attemptID && a.QuestionID == questionID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeAnswerRepo) Upsert(ctx context.Context, tx *gorm.DB, answer *models.Answer) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, a := range r.f.answers {
		if a.AttemptID == answer.AttemptID && a.QuestionID == answer.QuestionID {
			if answer.SubmittedAt.Before(a.SubmittedAt) {
				return nil // stale write loses
			}
			a.AnswerText = answer.AnswerText
			a.SubmittedAt = answer.SubmittedAt
			return nil
		}
	}
	r.f.nextAnswerID++
	answer.ID = r.f.nextAnswerID
	cp := *answer
	r.f.answers[answer.ID] = &cp
	return nil
}

func (r *fakeAnswerRepo) Update(ctx context.Context, tx *gorm.DB, answer *models.Answer) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if _, ok := r.f.answers[answer.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *answer
	r.f.answers[answer.ID] = &cp
	return nil
}

func (r *fakeAnswerRepo) CountByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) (int64, error) {
	answers, _ := r.GetByAttempt(ctx, tx, attemptID)
	return int64(len(answers)), nil
}

func (r *fakeAnswerRepo) UpdateGrade(ctx context.Context, tx *gorm.DB, id uint, pointsEarned float64, isCorrect *bool, feedback *string, graderID string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	a, ok := r.f.answers[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	a.PointsEarned = &pointsEarned
	a.IsCorrect = isCorrect
	a.Feedback = feedback
	a.GradedBy = &graderID
	a.GradedAt = &now
	return nil
}

// ===== CHEAT EVENT REPO =====

type fakeCheatEventRepo struct{ f *fakeRepository }

func (r *fakeCheatEventRepo) Append(ctx context.Context, tx *gorm.DB, event *models.CheatEvent) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	r.f.nextEventID++
	event.ID = r.f.nextEventID
	cp := *event
	r.f.events = append(r.f.events, &cp)
	return nil
}

func (r *fakeCheatEventRepo) GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.CheatEvent, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var result []*models.CheatEvent
	for _, e := range r.f.events {
		if e.AttemptID == attemptID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *fakeCheatEventRepo) CountByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) (int64, error) {
	events, _ := r.GetByAttempt(ctx, tx, attemptID)
	return int64(len(events)), nil
}

// ===== USER REPO =====

type fakeUserRepo struct{ f *fakeRepository }

func (r *fakeUserRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	u, ok := r.f.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, u := range r.f.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) GetByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	result := make([]*models.User, 0, len(ids))
	for _, id := range ids {
		if u, err := r.GetByID(ctx, id); err == nil {
			result = append(result, u)
		}
	}
	return result, nil
}

func (r *fakeUserRepo) List(ctx context.Context, filters repositories.UserFilters) ([]*models.User, int64, error) {
	return nil, 0, nil
}

func (r *fakeUserRepo) Search(ctx context.Context, query string, filters repositories.UserFilters) ([]*models.User, int64, error) {
	return nil, 0, nil
}

func (r *fakeUserRepo) ExistsByID(ctx context.Context, id string) (bool, error) {
	_, err := r.GetByID(ctx, id)
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	return err == nil, err
}

func (r *fakeUserRepo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := r.GetByEmail(ctx, email)
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	return err == nil, err
}

func (r *fakeUserRepo) HasRole(ctx context.Context, id string, role models.UserRole) (bool, error) {
	u, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return u.Role == role, nil
}
