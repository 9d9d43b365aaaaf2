package service

import (
	"context"
	"errors"
	"fmt"
	"listening_game_backend/internal/model"
	"listening_game_backend/internal/util"
	"listening_game_backend/pkg/logger"
	"math"

	"go.uber.org/zap"
)

// CorrectThreshold 模型评估的平均得分达到该值视为正确
const CorrectThreshold = 0.8

// ScoreResult 评分结果；Diagnostics 仅用于日志
type ScoreResult struct {
	Score       float64
	IsCorrect   bool
	Feedback    string
	Diagnostics map[string]interface{}
}

// ScoringService 按玩法分派：focus/cloze 确定性评分，其余交给模型
type ScoringService struct {
	Evaluator AnswerEvaluator
}

func NewScoringService(evaluator AnswerEvaluator) *ScoringService {
	return &ScoringService{Evaluator: evaluator}
}

func roundScore(x float64) float64 {
	return math.Round(x*100) / 100
}

// llmScoreValue 0 -> 0.0, 1 -> 0.5, 2 -> 1.0
func llmScoreValue(v int) (float64, error) {
	switch v {
	case 0:
		return 0, nil
	case 1:
		return 0.5, nil
	case 2:
		return 1, nil
	}
	return 0, fmt.Errorf("evaluator returned out-of-range score %d", v)
}

// Score 解析作答与元数据后评分
func (s *ScoringService) Score(ctx context.Context, challenge *model.Challenge, rawPayload []byte, maxScore float64) (*ScoreResult, error) {
	payload, err := model.ParseAnswerPayload(challenge.PlayMode, rawPayload)
	if err != nil {
		return nil, invalidPayload(err)
	}
	meta, err := challenge.Metadata()
	if err != nil {
		return nil, util.WrapError(util.KindMisconfiguredChallenge, err, "challenge %s has invalid metadata", challenge.ID)
	}
	return s.Evaluate(ctx, challenge.AudioText, meta, payload, maxScore)
}

// Evaluate 对已解析的作答评分
func (s *ScoringService) Evaluate(ctx context.Context, audioText string, meta model.ChallengeMetadata, payload model.AnswerPayload, maxScore float64) (*ScoreResult, error) {
	if meta.Mode() != payload.Mode() {
		return nil, util.NewError(util.KindMisconfiguredChallenge, "metadata for %s cannot score a %s answer", meta.Mode(), payload.Mode())
	}

	switch m := meta.(type) {
	case *model.FocusMetadata:
		return scoreFocus(m, payload.(*model.FocusAnswer), maxScore)
	case *model.ClozeMetadata:
		return scoreCloze(m, payload.(*model.ClozeAnswer), maxScore)
	case *model.ClarifyMetadata:
		return s.scoreClarify(ctx, audioText, m, payload.(*model.ClarifyAnswer), maxScore)
	case *model.SummarizeMetadata:
		return s.scoreSummarize(ctx, audioText, m, payload.(*model.SummarizeAnswer), maxScore)
	case *model.ParaphraseMetadata:
		return s.scoreParaphrase(ctx, audioText, m, payload.(*model.ParaphraseAnswer), maxScore)
	}
	return nil, util.NewError(util.KindMisconfiguredChallenge, "unsupported play mode %s", meta.Mode())
}

func invalidPayload(err error) error {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return &util.AppError{Kind: util.KindInvalidPayload, Message: verr.Error(), Fields: verr.Fields, Err: err}
	}
	return util.WrapError(util.KindInvalidPayload, err, "invalid answer_payload")
}

func scoreFocus(meta *model.FocusMetadata, ans *model.FocusAnswer, maxScore float64) (*ScoreResult, error) {
	idx := *ans.SelectedIndex
	if idx < 0 || idx >= len(meta.AnswerChoices) {
		return nil, &util.AppError{
			Kind:    util.KindInvalidPayload,
			Message: fmt.Sprintf("selected_index must be in [0, %d)", len(meta.AnswerChoices)),
			Fields:  map[string]string{"selected_index": "out of range"},
		}
	}
	if NormalizeAnswer(meta.AnswerChoices[idx]) == NormalizeAnswer(meta.CorrectAnswer) {
		return &ScoreResult{Score: maxScore, IsCorrect: true, Feedback: "Correct!"}, nil
	}
	return &ScoreResult{Score: 0, IsCorrect: false, Feedback: "Incorrect!"}, nil
}

func scoreCloze(meta *model.ClozeMetadata, ans *model.ClozeAnswer, maxScore float64) (*ScoreResult, error) {
	total := len(meta.Answers)
	if len(ans.Blanks) != total {
		return nil, &util.AppError{
			Kind:    util.KindInvalidPayload,
			Message: fmt.Sprintf("expected %d blanks, got %d", total, len(ans.Blanks)),
			Fields:  map[string]string{"blanks": fmt.Sprintf("must contain exactly %d item(s)", total)},
		}
	}
	matched := 0
	for i, want := range meta.Answers {
		if NormalizeAnswer(ans.Blanks[i]) == NormalizeAnswer(want) {
			matched++
		}
	}
	res := &ScoreResult{
		Score:     roundScore(maxScore * float64(matched) / float64(total)),
		IsCorrect: matched == total,
	}
	if res.IsCorrect {
		res.Feedback = "Perfect!"
	} else {
		res.Feedback = fmt.Sprintf("%d/%d correct", matched, total)
	}
	return res, nil
}

func evaluatorError(mode model.PlayMode, err error) error {
	return util.WrapError(util.KindInternal, err, "%s evaluation failed", mode)
}

func (s *ScoringService) scoreClarify(ctx context.Context, audioText string, meta *model.ClarifyMetadata, ans *model.ClarifyAnswer, maxScore float64) (*ScoreResult, error) {
	eval, err := s.Evaluator.EvaluateClarify(ctx, audioText, meta, ans.Questions)
	if err != nil {
		return nil, evaluatorError(model.PlayModeClarify, err)
	}
	if len(eval.Scores) != len(ans.Questions) {
		return nil, evaluatorError(model.PlayModeClarify,
			fmt.Errorf("evaluator scored %d of %d questions", len(eval.Scores), len(ans.Questions)))
	}

	var sum float64
	strong := 0
	raw := make([]int, 0, len(eval.Scores))
	for _, qs := range eval.Scores {
		v, err := llmScoreValue(qs.Score)
		if err != nil {
			return nil, evaluatorError(model.PlayModeClarify, err)
		}
		sum += v
		if qs.Score == 2 {
			strong++
		}
		raw = append(raw, qs.Score)
	}
	avg := sum / float64(len(ans.Questions))

	res := &ScoreResult{
		Score:       roundScore(maxScore * avg),
		IsCorrect:   avg >= CorrectThreshold,
		Diagnostics: map[string]interface{}{"question_scores": raw},
	}
	if res.IsCorrect {
		res.Feedback = "Great clarifying questions!"
	} else {
		res.Feedback = fmt.Sprintf("%d/%d strong questions", strong, len(ans.Questions))
	}
	return res, nil
}

func tieredFeedback(v float64, excellent, good, poor string) string {
	switch {
	case v >= CorrectThreshold:
		return excellent
	case v >= 0.5:
		return good
	}
	return poor
}

func (s *ScoringService) scoreSummarize(ctx context.Context, audioText string, meta *model.SummarizeMetadata, ans *model.SummarizeAnswer, maxScore float64) (*ScoreResult, error) {
	eval, err := s.Evaluator.EvaluateSummarize(ctx, audioText, meta, ans.Summary)
	if err != nil {
		return nil, evaluatorError(model.PlayModeSummarize, err)
	}
	v, err := llmScoreValue(eval.Score)
	if err != nil {
		return nil, evaluatorError(model.PlayModeSummarize, err)
	}
	return &ScoreResult{
		Score:     roundScore(maxScore * v),
		IsCorrect: v >= CorrectThreshold,
		Feedback: tieredFeedback(v,
			"Excellent summary!",
			"Good summary, but could be more complete.",
			"Summary needs improvement."),
		Diagnostics: map[string]interface{}{"evaluator_feedback": eval.Feedback},
	}, nil
}

func (s *ScoringService) scoreParaphrase(ctx context.Context, audioText string, meta *model.ParaphraseMetadata, ans *model.ParaphraseAnswer, maxScore float64) (*ScoreResult, error) {
	eval, err := s.Evaluator.EvaluateParaphrase(ctx, audioText, meta, ans.Paraphrase)
	if err != nil {
		return nil, evaluatorError(model.PlayModeParaphrase, err)
	}
	v, err := llmScoreValue(eval.Score)
	if err != nil {
		return nil, evaluatorError(model.PlayModeParaphrase, err)
	}
	logger.Log.Debug("Paraphrase criteria",
		zap.Int("meaning", eval.Criteria.Meaning),
		zap.Int("completeness", eval.Criteria.Completeness),
		zap.Int("language", eval.Criteria.Language),
	)
	return &ScoreResult{
		Score:     roundScore(maxScore * v),
		IsCorrect: v >= CorrectThreshold,
		Feedback: tieredFeedback(v,
			"Excellent paraphrase!",
			"Good paraphrase, but could be more precise.",
			"Paraphrase needs improvement."),
		Diagnostics: map[string]interface{}{
			"meaning":            eval.Criteria.Meaning,
			"completeness":       eval.Criteria.Completeness,
			"language":           eval.Criteria.Language,
			"evaluator_feedback": eval.Feedback,
		},
	}, nil
}
