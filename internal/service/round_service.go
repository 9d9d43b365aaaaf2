package service

import (
	"context"
	"encoding/json"
	"errors"
	"listening_game_backend/internal/model"
	"listening_game_backend/internal/repository"
	"listening_game_backend/internal/util"
	"listening_game_backend/pkg/logger"
	"listening_game_backend/pkg/monitoring"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 复用挑战时最多取的候选数
const reusableCandidateLimit = 100

type RoundService struct {
	DB          *gorm.DB
	Sessions    *repository.GameSessionRepository
	Rounds      *repository.GameRoundRepository
	Submissions *repository.RoundSubmissionRepository
	Challenges  *ChallengeService
	Scoring     *ScoringService

	// Intn 返回 [0, n) 的随机数，测试可替换
	Intn func(n int) int
}

func NewRoundService(db *gorm.DB, sessions *repository.GameSessionRepository, rounds *repository.GameRoundRepository,
	submissions *repository.RoundSubmissionRepository, challenges *ChallengeService, scoring *ScoringService) *RoundService {
	return &RoundService{
		DB:          db,
		Sessions:    sessions,
		Rounds:      rounds,
		Submissions: submissions,
		Challenges:  challenges,
		Scoring:     scoring,
		Intn:        rand.IntN,
	}
}

type AttemptRequest struct {
	IdempotencyKey  string          `json:"idempotency_key" binding:"omitempty,max=128"`
	AnswerPayload   json.RawMessage `json:"answer_payload" binding:"required"`
	ClientElapsedMs *int64          `json:"client_elapsed_ms" binding:"omitempty,min=0"`
}

type AttemptResult struct {
	RoundNumber     int     `json:"round_number"`
	IsCorrect       bool    `json:"is_correct"`
	Score           float64 `json:"score"`
	FeedbackShort   string  `json:"feedback_short"`
	ClientElapsedMs *int64  `json:"client_elapsed_ms"`
	CanAdvance      bool    `json:"can_advance"`
}

type ReplayResult struct {
	RoundNumber      int  `json:"round_number"`
	Accepted         bool `json:"accepted"`
	ReplaysUsed      int  `json:"replays_used"`
	ReplaysRemaining int  `json:"replays_remaining"`
}

// ensurePlayable 回合类操作要求会话处于进行中
func ensurePlayable(session *model.GameSession) error {
	switch {
	case session.Status == model.SessionInProgress:
		return nil
	case session.Status == model.SessionPaused:
		return util.ErrSessionPaused
	case session.Status.Terminal():
		return util.ErrSessionFinished
	}
	return util.NewError(util.KindBadRequest, "session has not been started")
}

func (s *RoundService) findSession(ctx context.Context, tx *gorm.DB, sessionID string) (*model.GameSession, error) {
	session, err := s.Sessions.WithTx(tx).FindByID(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrSessionNotFound
	}
	return session, err
}

func (s *RoundService) findSessionForUpdate(ctx context.Context, tx *gorm.DB, sessionID string) (*model.GameSession, error) {
	session, err := s.Sessions.WithTx(tx).FindByIDForUpdate(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrSessionNotFound
	}
	return session, err
}

func previousPrepared(rounds []model.GameRound, number int) bool {
	for i := range rounds {
		if rounds[i].RoundNumber == number-1 {
			return rounds[i].Prepared()
		}
	}
	return false
}

// Prepare 按回合顺序准备：前一轮还是 queued 时先准备前一轮，每轮各自一个事务
func (s *RoundService) Prepare(ctx context.Context, session *model.GameSession, number int) (*model.GameRound, error) {
	round, err := s.prepareSingle(ctx, session, number)
	if !errors.Is(err, util.ErrPreviousUnready) {
		return round, err
	}
	if _, err := s.Prepare(ctx, session, number-1); err != nil {
		return nil, err
	}
	return s.prepareSingle(ctx, session, number)
}

func (s *RoundService) prepareSingle(ctx context.Context, session *model.GameSession, number int) (*model.GameRound, error) {
	if err := checkRoundNumber(session, number); err != nil {
		return nil, err
	}
	// 回合行先在事务外落库，事务内只锁已提交的行
	if err := s.Rounds.Ensure(ctx, session.ID, number); err != nil {
		logger.DBError("RoundService.Prepare", "query", err)
		return nil, err
	}
	var round *model.GameRound
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		round, err = s.PrepareTx(ctx, tx, session, number)
		return err
	})
	if err != nil {
		return nil, err
	}
	return round, nil
}

func checkRoundNumber(session *model.GameSession, number int) error {
	if session.Config == nil {
		return util.NewError(util.KindInternal, "session %s has no config", session.ID)
	}
	if number < 1 || number > session.Config.TotalRounds {
		return util.NewError(util.KindBadRequest, "round %d is outside 1..%d", number, session.Config.TotalRounds)
	}
	return nil
}

// PrepareTx queued -> pending。回合行加排他锁；发现已不是 queued 时直接返回现有行。
// 前一轮尚未准备时返回 util.ErrPreviousUnready；写入前在锁内复核会话，已暂停或结束则放弃本次结果
func (s *RoundService) PrepareTx(ctx context.Context, tx *gorm.DB, session *model.GameSession, number int) (*model.GameRound, error) {
	if err := checkRoundNumber(session, number); err != nil {
		return nil, err
	}

	rounds := s.Rounds.WithTx(tx)
	if err := rounds.Ensure(ctx, session.ID, number); err != nil {
		logger.DBError("RoundService.PrepareTx", "query", err)
		return nil, err
	}
	round, err := rounds.FindByNumberForUpdate(ctx, session.ID, number)
	if err != nil {
		return nil, err
	}
	if round.Prepared() {
		return round, nil
	}

	all, err := rounds.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if number > 1 && !previousPrepared(all, number) {
		return nil, util.ErrPreviousUnready
	}
	combo, err := SelectCombination(session.Config, all, number, s.Intn)
	if err != nil {
		return nil, err
	}

	challenge, source, err := s.chooseChallenge(ctx, tx, session.Config, combo, all, number)
	if err != nil {
		return nil, err
	}

	// 音频失败不影响回合准备，客户端可稍后重试
	if _, err := s.Challenges.WithTx(tx).EnsureAudio(ctx, challenge); err != nil {
		logger.Log.Warn("Audio synthesis failed during round preparation",
			zap.String("sessionID", session.ID),
			zap.Int("roundNumber", number),
			zap.String("challengeID", challenge.ID),
			zap.Error(err),
		)
	}

	if !round.Status.CanTransitionTo(model.RoundPending) {
		return nil, util.NewError(util.KindBadRequest, "round %d cannot move from %s to pending", number, round.Status)
	}
	now := time.Now()
	mode, ptype, challengeID := combo.Mode, combo.Type, challenge.ID
	round.PlayMode = &mode
	round.PromptType = &ptype
	round.ChallengeID = &challengeID
	round.PreparedAt = &now
	round.Status = model.RoundPending

	// 生成耗时较长，期间会话可能已被暂停、取消或删除
	latest, err := s.findSessionForUpdate(ctx, tx, session.ID)
	if err != nil {
		return nil, err
	}
	if err := ensurePlayable(latest); err != nil {
		logger.Log.Info("Discarding prepared round, session no longer in progress",
			zap.String("sessionID", session.ID),
			zap.Int("roundNumber", number),
			zap.String("status", string(latest.Status)),
		)
		return nil, err
	}
	if err := rounds.Update(ctx, round); err != nil {
		logger.DBError("RoundService.PrepareTx", "commit", err)
		return nil, err
	}

	monitoring.RoundsPrepared.WithLabelValues(string(mode), string(ptype), source).Inc()
	logger.Log.Info("Round prepared",
		zap.String("sessionID", session.ID),
		zap.Int("roundNumber", number),
		zap.String("playMode", string(mode)),
		zap.String("promptType", string(ptype)),
		zap.String("challengeID", challengeID),
		zap.String("source", source),
	)
	return round, nil
}

// SelectCombination 为第 number 轮挑选 (玩法, 体裁)：
// 排除相邻已准备回合的组合，在此前回合中使用次数最少的候选里均匀随机
func SelectCombination(cfg *model.GameSessionConfig, rounds []model.GameRound, number int, intn func(int) int) (model.Combination, error) {
	valid := cfg.Combinations()
	if len(valid) == 0 {
		return model.Combination{}, util.NewError(util.KindBadRequest, "session config has no valid play mode and prompt type combination")
	}
	if len(valid) == 1 {
		return valid[0], nil
	}

	var (
		prev, next *model.Combination
		usage      = make(map[model.Combination]int)
	)
	for i := range rounds {
		r := &rounds[i]
		c, ok := r.Combination()
		if !ok {
			continue
		}
		switch {
		case r.RoundNumber == number-1:
			prev = &c
		case r.RoundNumber == number+1:
			next = &c
		}
		if r.RoundNumber < number {
			usage[c]++
		}
	}

	without := func(pool []model.Combination, drop ...*model.Combination) []model.Combination {
		out := make([]model.Combination, 0, len(pool))
		for _, c := range pool {
			skip := false
			for _, d := range drop {
				if d != nil && *d == c {
					skip = true
				}
			}
			if !skip {
				out = append(out, c)
			}
		}
		return out
	}

	candidates := without(valid, prev, next)
	if len(candidates) == 0 {
		candidates = without(valid, prev)
	}
	if len(candidates) == 0 {
		candidates = valid
	}

	fewest := -1
	for _, c := range candidates {
		if n := usage[c]; fewest < 0 || n < fewest {
			fewest = n
		}
	}
	least := candidates[:0:0]
	for _, c := range candidates {
		if usage[c] == fewest {
			least = append(least, c)
		}
	}
	return least[intn(len(least))], nil
}

func (s *RoundService) chooseChallenge(ctx context.Context, tx *gorm.DB, cfg *model.GameSessionConfig, combo model.Combination, rounds []model.GameRound, number int) (*model.Challenge, string, error) {
	challenges := s.Challenges.WithTx(tx)

	if cfg.ReuseExistingChallenges {
		used := make(map[string]bool)
		for _, r := range rounds {
			if r.RoundNumber != number && r.ChallengeID != nil {
				used[*r.ChallengeID] = true
			}
		}
		candidates, err := challenges.ListReusable(ctx, cfg.Difficulty, combo.Mode, combo.Type, reusableCandidateLimit)
		if err != nil {
			return nil, "", err
		}
		var withAudio, without []model.Challenge
		for _, c := range candidates {
			if used[c.ID] {
				continue
			}
			if c.HasAudio() {
				withAudio = append(withAudio, c)
			} else {
				without = append(without, c)
			}
		}
		pool := withAudio
		if len(pool) == 0 {
			pool = without
		}
		if len(pool) > 0 {
			picked := pool[s.Intn(len(pool))]
			return &picked, "reused", nil
		}
	}

	c, err := challenges.Generate(ctx, combo.Mode, combo.Type, cfg.Difficulty)
	if err != nil {
		return nil, "", err
	}
	return c, "generated", nil
}

// PrepareAndServe 准备（如需要）并交付回合：pending -> served，首次交付时写入 started_at
func (s *RoundService) PrepareAndServe(ctx context.Context, session *model.GameSession, number int) (*model.GameRound, *model.Challenge, error) {
	var (
		round     *model.GameRound
		challenge *model.Challenge
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		round, err = s.PrepareTx(ctx, tx, session, number)
		if err != nil {
			return err
		}
		if round.Status == model.RoundPending {
			now := time.Now()
			if round.StartedAt == nil {
				round.StartedAt = &now
			}
			round.Status = model.RoundServed
			if err := s.Rounds.WithTx(tx).Update(ctx, round); err != nil {
				logger.DBError("RoundService.PrepareAndServe", "commit", err)
				return err
			}
		}
		if round.ChallengeID != nil {
			challenge, err = s.Challenges.WithTx(tx).Get(ctx, *round.ChallengeID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return round, challenge, nil
}

func resultFromSubmission(round *model.GameRound, sub *model.RoundSubmission) *AttemptResult {
	return &AttemptResult{
		RoundNumber:     round.RoundNumber,
		IsCorrect:       sub.IsCorrect,
		Score:           sub.Score,
		FeedbackShort:   sub.FeedbackShort,
		ClientElapsedMs: sub.ClientElapsedMs,
		CanAdvance:      true,
	}
}

// SubmitAttempt served -> attempted。同一幂等键且载荷相同的重试返回首次结果；
// 载荷不同或该轮已有其他提交时返回 Conflict
func (s *RoundService) SubmitAttempt(ctx context.Context, userID, sessionID string, number int, req AttemptRequest) (*AttemptResult, error) {
	if req.IdempotencyKey == "" {
		return nil, util.NewError(util.KindBadRequest, "idempotency_key is required")
	}

	var (
		result *AttemptResult
		mode   model.PlayMode
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.findSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.OwnerUserID != userID {
			return util.ErrPermissionDenied
		}

		rounds := s.Rounds.WithTx(tx)
		subs := s.Submissions.WithTx(tx)

		round, err := rounds.FindByNumberForUpdate(ctx, sessionID, number)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrRoundNotFound
		}
		if err != nil {
			return err
		}

		existing, err := subs.FindByRound(ctx, round.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.IdempotencyKey != req.IdempotencyKey {
				return util.NewError(util.KindConflict, "round %d has already been attempted", number)
			}
			if !model.SamePayload(existing.AnswerPayload, req.AnswerPayload) {
				return util.NewError(util.KindConflict, "idempotency key %q was already used with a different answer_payload", req.IdempotencyKey)
			}
			result = resultFromSubmission(round, existing)
			return nil
		}

		if err := ensurePlayable(session); err != nil {
			return err
		}
		if number != session.CurrentRound {
			return util.NewError(util.KindBadRequest, "round %d is not the current round (%d)", number, session.CurrentRound)
		}
		if round.Status != model.RoundServed {
			return util.NewError(util.KindBadRequest, "round %d is %s, not awaiting an attempt", number, round.Status)
		}
		if round.PlayMode == nil || round.ChallengeID == nil {
			return util.NewError(util.KindBadRequest, "round %d has not been prepared", number)
		}

		challenge, err := s.Challenges.WithTx(tx).Get(ctx, *round.ChallengeID)
		if err != nil {
			return err
		}
		if challenge.PlayMode != *round.PlayMode {
			return util.NewError(util.KindMisconfiguredChallenge, "challenge %s is %s but round %d is %s", challenge.ID, challenge.PlayMode, number, *round.PlayMode)
		}

		scored, err := s.Scoring.Score(ctx, challenge, req.AnswerPayload, round.MaxScore)
		if err != nil {
			return err
		}

		now := time.Now()
		sub := &model.RoundSubmission{
			SessionID:       sessionID,
			RoundID:         round.ID,
			UserID:          userID,
			PlayMode:        *round.PlayMode,
			PromptType:      round.PromptType,
			AnswerPayload:   datatypes.JSON(req.AnswerPayload),
			Score:           scored.Score,
			IsCorrect:       scored.IsCorrect,
			FeedbackShort:   scored.Feedback,
			ClientElapsedMs: req.ClientElapsedMs,
			IdempotencyKey:  req.IdempotencyKey,
			SubmittedAt:     now,
		}
		if err := subs.Create(ctx, sub); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return util.WrapError(util.KindConflict, err, "round %d has already been attempted", number)
			}
			logger.DBError("RoundService.SubmitAttempt", "commit", err)
			return err
		}

		round.Score = &scored.Score
		round.EndedAt = &now
		round.Status = model.RoundAttempted
		if err := rounds.Update(ctx, round); err != nil {
			logger.DBError("RoundService.SubmitAttempt", "commit", err)
			return err
		}

		mode = *round.PlayMode
		result = resultFromSubmission(round, sub)
		if len(scored.Diagnostics) > 0 {
			logger.Log.Debug("Attempt diagnostics",
				zap.String("roundID", round.ID),
				zap.Any("diagnostics", scored.Diagnostics),
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if mode != "" {
		monitoring.AttemptsScored.WithLabelValues(string(mode), strconv.FormatBool(result.IsCorrect)).Inc()
	}
	return result, nil
}

// RegisterReplay replays_used 仅在未达上限时加一，不做幂等
func (s *RoundService) RegisterReplay(ctx context.Context, userID, sessionID string, number int) (*ReplayResult, error) {
	session, err := s.findSession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerUserID != userID {
		return nil, util.ErrPermissionDenied
	}
	if err := ensurePlayable(session); err != nil {
		return nil, err
	}

	round, err := s.Rounds.FindByNumber(ctx, sessionID, number)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrRoundNotFound
	}
	if err != nil {
		return nil, err
	}
	if round.Status != model.RoundServed {
		return nil, util.NewError(util.KindBadRequest, "round %d is %s; only a served round can be replayed", number, round.Status)
	}

	limit := session.Config.MaxReplaysPerRound
	accepted, err := s.Rounds.IncrementReplay(ctx, round.ID, limit)
	if err != nil {
		return nil, err
	}
	round, err = s.Rounds.FindByNumber(ctx, sessionID, number)
	if err != nil {
		return nil, err
	}
	remaining := limit - round.ReplaysUsed
	if remaining < 0 {
		remaining = 0
	}
	return &ReplayResult{
		RoundNumber:      number,
		Accepted:         accepted,
		ReplaysUsed:      round.ReplaysUsed,
		ReplaysRemaining: remaining,
	}, nil
}
