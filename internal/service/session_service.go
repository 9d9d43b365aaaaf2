package service

import (
	"context"
	"errors"
	"fmt"
	"listening_game_backend/internal/model"
	"listening_game_backend/internal/repository"
	"listening_game_backend/internal/util"
	"listening_game_backend/pkg/logger"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MaxTotalRounds        = 10
	MaxReplaysPerRoundCap = 5
)

// PrefetchScheduler 后台准备后续回合
type PrefetchScheduler interface {
	Schedule(sessionID string, rounds []int)
}

type SessionConfigInput struct {
	TotalRounds             int                `json:"total_rounds"`
	MaxReplaysPerRound      int                `json:"max_replays_per_round"`
	Difficulty              model.Difficulty   `json:"difficulty"`
	SelectedModes           []model.PlayMode   `json:"selected_modes"`
	AllowedTypes            []model.PromptType `json:"allowed_types"`
	ReuseExistingChallenges bool               `json:"reuse_existing_challenges"`
	AudioEffects            map[string]float64 `json:"audio_effects"`
}

type CreateSessionRequest struct {
	Name   string             `json:"name" binding:"required,max=120"`
	Config SessionConfigInput `json:"config"`
}

type UpdateSessionRequest struct {
	Name   *string              `json:"name" binding:"omitempty,min=1,max=120"`
	Status *model.SessionStatus `json:"status"`
	Config *SessionConfigInput  `json:"config"`
}

type ChallengeView struct {
	ChallengeID string                 `json:"challenge_id"`
	PlayMode    model.PlayMode         `json:"play_mode"`
	PromptType  model.PromptType       `json:"prompt_type"`
	Difficulty  model.Difficulty       `json:"difficulty"`
	Language    string                 `json:"language"`
	AudioURL    *string                `json:"audio_url"`
	Display     map[string]interface{} `json:"display"`
}

// CurrentRoundView 当前回合的客户端视图，不含任何答案
type CurrentRoundView struct {
	Round            *model.GameRound         `json:"round"`
	Challenge        *ChallengeView           `json:"challenge"`
	Config           *model.GameSessionConfig `json:"config"`
	ReplaysRemaining int                      `json:"replays_remaining"`
}

type AdvanceResult struct {
	Session   *model.GameSession `json:"session"`
	Completed bool               `json:"completed"`
}

type RoundSummary struct {
	RoundNumber   int               `json:"round_number"`
	Status        model.RoundStatus `json:"status"`
	PlayMode      *model.PlayMode   `json:"play_mode"`
	PromptType    *model.PromptType `json:"prompt_type"`
	Score         *float64          `json:"score"`
	MaxScore      float64           `json:"max_score"`
	ReplaysUsed   int               `json:"replays_used"`
	IsCorrect     *bool             `json:"is_correct"`
	FeedbackShort string            `json:"feedback_short,omitempty"`
}

type SessionSummary struct {
	Session  *model.GameSession `json:"session"`
	Rounds   []RoundSummary     `json:"rounds"`
	MaxTotal float64            `json:"max_total"`
}

type SessionService struct {
	DB          *gorm.DB
	Sessions    *repository.GameSessionRepository
	Rounds      *repository.GameRoundRepository
	Submissions *repository.RoundSubmissionRepository
	RoundSvc    *RoundService
	Challenges  *ChallengeService
	Prefetch    PrefetchScheduler

	PrefetchDepth int
	SignedURLTTL  time.Duration // 大于 0 时返回签名音频地址
}

func NewSessionService(db *gorm.DB, sessions *repository.GameSessionRepository, rounds *repository.GameRoundRepository,
	submissions *repository.RoundSubmissionRepository, roundSvc *RoundService, challenges *ChallengeService) *SessionService {
	return &SessionService{
		DB:            db,
		Sessions:      sessions,
		Rounds:        rounds,
		Submissions:   submissions,
		RoundSvc:      roundSvc,
		Challenges:    challenges,
		PrefetchDepth: 2,
	}
}

// ValidateConfig 逐字段检查会话配置
func ValidateConfig(in SessionConfigInput) error {
	fields := map[string]string{}
	if in.TotalRounds < 1 || in.TotalRounds > MaxTotalRounds {
		fields["total_rounds"] = fmt.Sprintf("must be between 1 and %d", MaxTotalRounds)
	}
	if in.MaxReplaysPerRound < 0 || in.MaxReplaysPerRound > MaxReplaysPerRoundCap {
		fields["max_replays_per_round"] = fmt.Sprintf("must be between 0 and %d", MaxReplaysPerRoundCap)
	}
	if !in.Difficulty.Valid() {
		fields["difficulty"] = "must be one of easy, intermediate, hard"
	}

	if len(in.SelectedModes) == 0 {
		fields["selected_modes"] = "must contain at least 1 item(s)"
	}
	seenModes := map[model.PlayMode]bool{}
	for i, m := range in.SelectedModes {
		key := fmt.Sprintf("selected_modes[%d]", i)
		switch {
		case !m.Valid():
			fields[key] = fmt.Sprintf("unknown play mode %q", m)
		case seenModes[m]:
			fields[key] = fmt.Sprintf("duplicate play mode %q", m)
		}
		seenModes[m] = true
	}

	if len(in.AllowedTypes) == 0 {
		fields["allowed_types"] = "must contain at least 1 item(s)"
	}
	seenTypes := map[model.PromptType]bool{}
	for i, t := range in.AllowedTypes {
		key := fmt.Sprintf("allowed_types[%d]", i)
		switch {
		case !t.Valid():
			fields[key] = fmt.Sprintf("unknown prompt type %q", t)
		case seenTypes[t]:
			fields[key] = fmt.Sprintf("duplicate prompt type %q", t)
		}
		seenTypes[t] = true
	}

	if len(fields) == 0 && len(model.ValidCombinations(in.SelectedModes, in.AllowedTypes)) == 0 {
		fields["allowed_types"] = "no valid combination with selected_modes"
	}
	if len(fields) > 0 {
		return &util.AppError{Kind: util.KindBadRequest, Message: "invalid session config", Fields: fields}
	}
	return nil
}

func applyConfig(cfg *model.GameSessionConfig, in SessionConfigInput) {
	cfg.TotalRounds = in.TotalRounds
	cfg.MaxReplaysPerRound = in.MaxReplaysPerRound
	cfg.Difficulty = in.Difficulty
	cfg.SelectedModes = datatypes.JSONSlice[model.PlayMode](in.SelectedModes)
	cfg.AllowedTypes = datatypes.JSONSlice[model.PromptType](in.AllowedTypes)
	cfg.ReuseExistingChallenges = in.ReuseExistingChallenges
	cfg.AudioEffects = nil
	if len(in.AudioEffects) > 0 {
		effects := datatypes.JSONMap{}
		for k, v := range in.AudioEffects {
			effects[k] = v
		}
		cfg.AudioEffects = effects
	}
}

func (s *SessionService) schedulePrefetch(sessionID string, from, to int) {
	if s.Prefetch == nil || from > to {
		return
	}
	rounds := make([]int, 0, to-from+1)
	for n := from; n <= to; n++ {
		rounds = append(rounds, n)
	}
	s.Prefetch.Schedule(sessionID, rounds)
}

func (s *SessionService) Create(ctx context.Context, userID string, req CreateSessionRequest) (*model.GameSession, error) {
	if err := ValidateConfig(req.Config); err != nil {
		return nil, err
	}
	cfg := &model.GameSessionConfig{}
	applyConfig(cfg, req.Config)

	session := &model.GameSession{
		OwnerUserID:  userID,
		Name:         req.Name,
		Status:       model.SessionPending,
		CurrentRound: 1,
		Config:       cfg,
	}
	if err := s.Sessions.Create(ctx, session); err != nil {
		logger.DBError("SessionService.Create", "commit", err)
		return nil, err
	}
	logger.Log.Info("Session created",
		zap.String("sessionID", session.ID),
		zap.String("userID", userID),
		zap.Int("totalRounds", cfg.TotalRounds),
	)
	return session, nil
}

// load 读取会话并校验归属
func (s *SessionService) load(ctx context.Context, repo *repository.GameSessionRepository, userID, sessionID string, forUpdate bool) (*model.GameSession, error) {
	var (
		session *model.GameSession
		err     error
	)
	if forUpdate {
		session, err = repo.FindByIDForUpdate(ctx, sessionID)
	} else {
		session, err = repo.FindByID(ctx, sessionID)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if session.OwnerUserID != userID {
		return nil, util.ErrPermissionDenied
	}
	return session, nil
}

func (s *SessionService) Get(ctx context.Context, userID, sessionID string) (*model.GameSession, error) {
	return s.load(ctx, s.Sessions, userID, sessionID, false)
}

func (s *SessionService) List(ctx context.Context, userID string, status model.SessionStatus, page, limit int) ([]model.GameSession, int64, error) {
	if status != "" && !status.Valid() {
		return nil, 0, util.NewError(util.KindBadRequest, "unknown session status %q", status)
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return s.Sessions.ListByOwner(ctx, userID, status, page, limit)
}

// Start pending -> in_progress，幂等；暂停中的会话视为恢复。返回当前回合（必要时物化为 queued）
func (s *SessionService) Start(ctx context.Context, userID, sessionID string) (*model.GameSession, *model.GameRound, error) {
	var (
		session *model.GameSession
		round   *model.GameRound
		started bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = s.load(ctx, s.Sessions.WithTx(tx), userID, sessionID, true)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return util.ErrSessionFinished
		}
		if session.Status != model.SessionInProgress {
			if err := s.transition(ctx, tx, session, model.SessionInProgress); err != nil {
				return err
			}
			if err := s.Sessions.WithTx(tx).Update(ctx, session); err != nil {
				logger.DBError("SessionService.Start", "commit", err)
				return err
			}
			started = true
		}

		rounds := s.Rounds.WithTx(tx)
		if err := rounds.Ensure(ctx, session.ID, session.CurrentRound); err != nil {
			return err
		}
		round, err = rounds.FindByNumber(ctx, session.ID, session.CurrentRound)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if started {
		last := session.CurrentRound + s.PrefetchDepth
		if last > session.Config.TotalRounds {
			last = session.Config.TotalRounds
		}
		s.schedulePrefetch(session.ID, session.CurrentRound+1, last)
	}
	return session, round, nil
}

// transition 校验状态迁移并写入相应时间戳，不落库
func (s *SessionService) transition(ctx context.Context, tx *gorm.DB, session *model.GameSession, next model.SessionStatus) error {
	if session.Status == next {
		return nil
	}
	if session.Status.Terminal() {
		return util.ErrSessionFinished
	}
	if !session.Status.CanTransitionTo(next) {
		return util.NewError(util.KindBadRequest, "cannot move session from %s to %s", session.Status, next)
	}

	now := time.Now()
	switch next {
	case model.SessionInProgress:
		if session.StartedAt == nil {
			session.StartedAt = &now
		}
		if err := s.Rounds.WithTx(tx).Ensure(ctx, session.ID, session.CurrentRound); err != nil {
			return err
		}
	case model.SessionCompleted:
		total, err := s.Rounds.WithTx(tx).SumAttemptedScore(ctx, session.ID)
		if err != nil {
			return err
		}
		session.TotalScore = total
		session.FinishedAt = &now
	case model.SessionCancelled:
		session.FinishedAt = &now
	}

	logger.Log.Info("Session status changed",
		zap.String("sessionID", session.ID),
		zap.String("from", string(session.Status)),
		zap.String("to", string(next)),
	)
	session.Status = next
	return nil
}

// Update 修改名称、状态或配置；配置仅在 pending 时可改
func (s *SessionService) Update(ctx context.Context, userID, sessionID string, req UpdateSessionRequest) (*model.GameSession, error) {
	var (
		session *model.GameSession
		resumed bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.Sessions.WithTx(tx)
		var err error
		session, err = s.load(ctx, repo, userID, sessionID, true)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return util.ErrSessionFinished
		}

		if req.Config != nil {
			if session.Status != model.SessionPending {
				return util.NewError(util.KindBadRequest, "config can only be changed while the session is pending")
			}
			if err := ValidateConfig(*req.Config); err != nil {
				return err
			}
			applyConfig(session.Config, *req.Config)
			if err := repo.UpdateConfig(ctx, session.Config); err != nil {
				logger.DBError("SessionService.Update", "commit", err)
				return err
			}
		}
		if req.Name != nil {
			session.Name = *req.Name
		}
		if req.Status != nil {
			if !req.Status.Valid() {
				return util.NewError(util.KindBadRequest, "unknown session status %q", *req.Status)
			}
			before := session.Status
			if err := s.transition(ctx, tx, session, *req.Status); err != nil {
				return err
			}
			resumed = before != model.SessionInProgress && session.Status == model.SessionInProgress
		}
		if err := repo.Update(ctx, session); err != nil {
			logger.DBError("SessionService.Update", "commit", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if resumed {
		last := session.CurrentRound + s.PrefetchDepth
		if last > session.Config.TotalRounds {
			last = session.Config.TotalRounds
		}
		s.schedulePrefetch(session.ID, session.CurrentRound+1, last)
	}
	return session, nil
}

func (s *SessionService) Cancel(ctx context.Context, userID, sessionID string) (*model.GameSession, error) {
	status := model.SessionCancelled
	return s.Update(ctx, userID, sessionID, UpdateSessionRequest{Status: &status})
}

// Delete 级联删除会话及其回合与提交
func (s *SessionService) Delete(ctx context.Context, userID, sessionID string) error {
	if _, err := s.load(ctx, s.Sessions, userID, sessionID, false); err != nil {
		return err
	}
	if err := s.Sessions.Delete(ctx, sessionID); err != nil {
		logger.DBError("SessionService.Delete", "commit", err)
		return err
	}
	return nil
}

// GetCurrentRound 准备并交付当前回合
func (s *SessionService) GetCurrentRound(ctx context.Context, userID, sessionID string) (*CurrentRoundView, error) {
	session, err := s.load(ctx, s.Sessions, userID, sessionID, false)
	if err != nil {
		return nil, err
	}
	if err := ensurePlayable(session); err != nil {
		return nil, err
	}

	round, challenge, err := s.RoundSvc.PrepareAndServe(ctx, session, session.CurrentRound)
	if err != nil {
		return nil, err
	}

	view := &CurrentRoundView{
		Round:            round,
		Config:           session.Config,
		ReplaysRemaining: session.Config.MaxReplaysPerRound - round.ReplaysUsed,
	}
	if view.ReplaysRemaining < 0 {
		view.ReplaysRemaining = 0
	}
	if challenge != nil {
		cv, err := s.challengeView(ctx, challenge)
		if err != nil {
			return nil, err
		}
		view.Challenge = cv
	}
	return view, nil
}

func (s *SessionService) challengeView(ctx context.Context, c *model.Challenge) (*ChallengeView, error) {
	meta, err := c.Metadata()
	if err != nil {
		return nil, util.WrapError(util.KindMisconfiguredChallenge, err, "challenge %s has invalid metadata", c.ID)
	}
	audioURL := c.AudioURL
	if s.SignedURLTTL > 0 && c.HasAudio() {
		signed, err := s.Challenges.SignedAudioURL(ctx, c, s.SignedURLTTL)
		if err != nil {
			logger.Log.Warn("Failed to sign audio URL", zap.String("challengeID", c.ID), zap.Error(err))
		} else {
			audioURL = &signed
		}
	}
	return &ChallengeView{
		ChallengeID: c.ID,
		PlayMode:    c.PlayMode,
		PromptType:  c.PromptType,
		Difficulty:  c.Difficulty,
		Language:    c.Language,
		AudioURL:    audioURL,
		Display:     model.DisplayMetadata(meta),
	}, nil
}

// SubmitAttempt 提交当前回合的作答，成功后预取后续回合
func (s *SessionService) SubmitAttempt(ctx context.Context, userID, sessionID string, number int, req AttemptRequest) (*AttemptResult, error) {
	result, err := s.RoundSvc.SubmitAttempt(ctx, userID, sessionID, number, req)
	if err != nil {
		return nil, err
	}
	s.schedulePrefetch(sessionID, number+1, number+s.PrefetchDepth)
	return result, nil
}

func (s *SessionService) RegisterReplay(ctx context.Context, userID, sessionID string, number int) (*ReplayResult, error) {
	return s.RoundSvc.RegisterReplay(ctx, userID, sessionID, number)
}

// Advance 当前回合已作答时前进一轮；最后一轮则结算总分并完成会话
func (s *SessionService) Advance(ctx context.Context, userID, sessionID string) (*AdvanceResult, error) {
	var result *AdvanceResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.Sessions.WithTx(tx)
		session, err := s.load(ctx, repo, userID, sessionID, true)
		if err != nil {
			return err
		}
		if err := ensurePlayable(session); err != nil {
			return err
		}

		rounds := s.Rounds.WithTx(tx)
		round, err := rounds.FindByNumber(ctx, session.ID, session.CurrentRound)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrRoundNotAttempted
		}
		if err != nil {
			return err
		}
		if round.Status != model.RoundAttempted {
			return util.ErrRoundNotAttempted
		}

		if session.CurrentRound < session.Config.TotalRounds {
			session.CurrentRound++
			if err := rounds.Ensure(ctx, session.ID, session.CurrentRound); err != nil {
				return err
			}
		} else if err := s.transition(ctx, tx, session, model.SessionCompleted); err != nil {
			return err
		}

		if err := repo.Update(ctx, session); err != nil {
			logger.DBError("SessionService.Advance", "commit", err)
			return err
		}
		result = &AdvanceResult{Session: session, Completed: session.Status == model.SessionCompleted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Summary 会话及各回合的得分概览
func (s *SessionService) Summary(ctx context.Context, userID, sessionID string) (*SessionSummary, error) {
	session, err := s.load(ctx, s.Sessions, userID, sessionID, false)
	if err != nil {
		return nil, err
	}
	rounds, err := s.Rounds.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	subs, err := s.Submissions.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	byRound := make(map[string]*model.RoundSubmission, len(subs))
	for i := range subs {
		byRound[subs[i].RoundID] = &subs[i]
	}

	out := &SessionSummary{Session: session, Rounds: make([]RoundSummary, 0, len(rounds))}
	for _, r := range rounds {
		rs := RoundSummary{
			RoundNumber: r.RoundNumber,
			Status:      r.Status,
			PlayMode:    r.PlayMode,
			PromptType:  r.PromptType,
			Score:       r.Score,
			MaxScore:    r.MaxScore,
			ReplaysUsed: r.ReplaysUsed,
		}
		if sub, ok := byRound[r.ID]; ok {
			correct := sub.IsCorrect
			rs.IsCorrect = &correct
			rs.FeedbackShort = sub.FeedbackShort
		}
		out.MaxTotal += r.MaxScore
		out.Rounds = append(out.Rounds, rs)
	}
	return out, nil
}
