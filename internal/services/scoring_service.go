package services

import (
	"fmt"
	"strings"

	"github.com/schoolkit/cbt-service/internal/models"
)

// scoringService implements ScoringService. It is stateless; a single
// instance is shared by every caller.
type scoringService struct{}

func NewScoringService() ScoringService {
	return &scoringService{}
}

// ScoreAttempt scores every question of the test against the submitted
// answers. Questions without an answer earn zero. The percentage keeps
// full float precision; rounding is a display concern.
func (s *scoringService) ScoreAttempt(test *models.Test, questions []*models.Question, answers []*models.Answer) (*ScoreSummary, error) {
	answersByQuestion := make(map[uint]*models.Answer, len(answers))
	for _, a := range answers {
		answersByQuestion[a.QuestionID] = a
	}

	summary := &ScoreSummary{
		Questions: make([]QuestionScore, 0, len(questions)),
	}

	for _, q := range questions {
		qs, err := s.ScoreQuestion(q, answersByQuestion[q.ID])
		if err != nil {
			return nil, err
		}
		summary.TotalPoints += q.Points
		summary.EarnedPoints += qs.PointsEarned
		summary.Questions = append(summary.Questions, qs)
	}

	if summary.TotalPoints > 0 {
		summary.Score = summary.EarnedPoints / float64(summary.TotalPoints) * 100
	}
	summary.IsPassed = summary.Score >= float64(test.PassingScore)

	return summary, nil
}

// ScoreQuestion scores one question. answer may be nil when the student
// never touched the question.
func (s *scoringService) ScoreQuestion(question *models.Question, answer *models.Answer) (QuestionScore, error) {
	qs := QuestionScore{
		QuestionID:  question.ID,
		PointsWorth: question.Points,
	}

	if answer != nil {
		qs.Answered = true
		text := answer.AnswerText
		qs.AnswerText = &text
		qs.Feedback = answer.Feedback
	}

	// A manual grade always wins, whatever the question type
	if answer != nil && answer.GradedBy != nil {
		qs.ManualGrade = true
		qs.GradedBy = answer.GradedBy
		if answer.PointsEarned != nil {
			qs.PointsEarned = *answer.PointsEarned
		}
		qs.IsCorrect = answer.IsCorrect
		return qs, nil
	}

	switch question.Type {
	case models.MultipleChoice:
		return s.scoreMultipleChoice(question, answer, qs)
	case models.TrueFalse:
		return s.scoreTrueFalse(question, answer, qs)
	case models.Essay:
		// Essays earn zero until a grader scores them
		return qs, nil
	default:
		return qs, fmt.Errorf("question %d: unknown type %q", question.ID, question.Type)
	}
}

// scoreMultipleChoice awards full points when the chosen option is the
// correct one, zero otherwise. No partial credit.
func (s *scoringService) scoreMultipleChoice(question *models.Question, answer *models.Answer, qs QuestionScore) (QuestionScore, error) {
	correct := false

	if answer != nil {
		content, err := question.MultipleChoiceContent()
		if err != nil {
			return qs, err
		}
		for _, opt := range content.Options {
			if opt.IsCorrect && opt.ID == answer.AnswerText {
				correct = true
				break
			}
		}
	}

	qs.IsCorrect = &correct
	if correct {
		qs.PointsEarned = float64(question.Points)
	}
	return qs, nil
}

// scoreTrueFalse compares the canonical token of the stored answer with
// the question's key.
func (s *scoringService) scoreTrueFalse(question *models.Question, answer *models.Answer, qs QuestionScore) (QuestionScore, error) {
	correct := false

	if answer != nil {
		content, err := question.TrueFalseContent()
		if err != nil {
			return qs, err
		}

		expected := models.AnswerTokenFalse
		if content.CorrectAnswer {
			expected = models.AnswerTokenTrue
		}
		correct = strings.ToLower(strings.TrimSpace(answer.AnswerText)) == expected
	}

	qs.IsCorrect = &correct
	if correct {
		qs.PointsEarned = float64(question.Points)
	}
	return qs, nil
}
