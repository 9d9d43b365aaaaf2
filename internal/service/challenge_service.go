package service

import (
	"context"
	"errors"
	"listening_game_backend/internal/model"
	"listening_game_backend/internal/repository"
	"listening_game_backend/internal/util"
	"listening_game_backend/pkg/logger"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BlobStore 挑战音频所在的对象存储
type BlobStore interface {
	AudioKey(challengeID string) string
	Exists(ctx context.Context, key string) (bool, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

const DefaultLocale = "es"

type ChallengeService struct {
	Repo      *repository.ChallengeRepository
	Generator ChallengeGenerator
	Speech    SpeechSynthesizer
	Storage   BlobStore
	Locale    string
}

func NewChallengeService(repo *repository.ChallengeRepository, generator ChallengeGenerator, speech SpeechSynthesizer, storage BlobStore) *ChallengeService {
	return &ChallengeService{
		Repo:      repo,
		Generator: generator,
		Speech:    speech,
		Storage:   storage,
		Locale:    DefaultLocale,
	}
}

// WithTx 返回绑定到事务的副本
func (s *ChallengeService) WithTx(tx *gorm.DB) *ChallengeService {
	cp := *s
	cp.Repo = s.Repo.WithTx(tx)
	return &cp
}

func (s *ChallengeService) Get(ctx context.Context, id string) (*model.Challenge, error) {
	c, err := s.Repo.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Generate 调用模型生成一个新挑战并落库；元数据不合法视为生成失败
func (s *ChallengeService) Generate(ctx context.Context, mode model.PlayMode, promptType model.PromptType, difficulty model.Difficulty) (*model.Challenge, error) {
	locale := s.Locale
	if locale == "" {
		locale = DefaultLocale
	}
	generated, err := s.Generator.GenerateChallenge(ctx, GenerationRequest{
		Mode:        mode,
		PromptType:  promptType,
		Difficulty:  difficulty,
		AudioLength: model.AudioLengthFor(difficulty),
		Locale:      locale,
	})
	if err != nil {
		return nil, util.WrapError(util.KindInternal, err, "challenge generation failed")
	}
	if _, err := model.ParseChallengeMetadata(mode, generated.Metadata); err != nil {
		return nil, util.WrapError(util.KindInternal, err, "challenge generation returned invalid metadata")
	}

	c := &model.Challenge{
		PlayMode:          mode,
		PromptType:        promptType,
		Difficulty:        difficulty,
		Language:          locale,
		AudioText:         generated.AudioText,
		ChallengeMetadata: datatypes.JSON(generated.Metadata),
	}
	if err := s.Repo.Create(ctx, c); err != nil {
		logger.DBError("ChallengeService.Generate", "create", err)
		return nil, err
	}
	logger.Log.Info("Challenge generated",
		zap.String("challengeID", c.ID),
		zap.String("playMode", string(mode)),
		zap.String("promptType", string(promptType)),
		zap.String("difficulty", string(difficulty)),
	)
	return c, nil
}

// EnsureAudio 保证挑战有可用音频：已有 URL 且对象存在则直接返回，否则合成、上传并回写 audio_url
func (s *ChallengeService) EnsureAudio(ctx context.Context, c *model.Challenge) (string, error) {
	key := s.Storage.AudioKey(c.ID)
	if c.HasAudio() {
		exists, err := s.Storage.Exists(ctx, key)
		if err != nil {
			return "", err
		}
		if exists {
			return *c.AudioURL, nil
		}
		logger.Log.Warn("Challenge audio missing from storage, regenerating", zap.String("challengeID", c.ID))
	}

	audio, err := s.Speech.Synthesize(ctx, c.AudioText)
	if err != nil {
		return "", err
	}
	contentType, err := util.DetectAudio(audio)
	if err != nil {
		return "", err
	}
	if !util.IsAudio(contentType) {
		contentType = util.ContentTypeFor(key)
	}

	u, err := s.Storage.Upload(ctx, key, audio, contentType)
	if err != nil {
		return "", err
	}

	if !c.HasAudio() {
		updated, err := s.Repo.SetAudioURL(ctx, c.ID, u)
		if err != nil {
			return "", err
		}
		if !updated {
			// 并发方已写入，以库中值为准
			fresh, err := s.Repo.FindByID(ctx, c.ID)
			if err != nil {
				return "", err
			}
			if fresh.HasAudio() {
				u = *fresh.AudioURL
			}
		}
		c.AudioURL = &u
	}
	return *c.AudioURL, nil
}

// RegenerateAudio 删除已有音频对象后重新合成，audio_url 保持不变（键是确定的）
func (s *ChallengeService) RegenerateAudio(ctx context.Context, c *model.Challenge) (string, error) {
	if err := s.Storage.Delete(ctx, s.Storage.AudioKey(c.ID)); err != nil {
		return "", err
	}
	return s.EnsureAudio(ctx, c)
}

// ListReusable 同难度同组合的已有挑战，优先返回已有音频的
func (s *ChallengeService) ListReusable(ctx context.Context, difficulty model.Difficulty, mode model.PlayMode, promptType model.PromptType, limit int) ([]model.Challenge, error) {
	return s.Repo.ListReusable(ctx, difficulty, mode, promptType, limit)
}

// SignedAudioURL 私有桶场景下给客户端的限时地址
func (s *ChallengeService) SignedAudioURL(ctx context.Context, c *model.Challenge, ttl time.Duration) (string, error) {
	if !c.HasAudio() {
		return "", nil
	}
	return s.Storage.SignedURL(ctx, s.Storage.AudioKey(c.ID), ttl)
}
