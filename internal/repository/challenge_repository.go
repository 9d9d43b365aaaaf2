package repository

import (
	"context"
	"listening_game_backend/internal/model"

	"gorm.io/gorm"
)

type ChallengeRepository struct {
	DB *gorm.DB
}

func NewChallengeRepository(db *gorm.DB) *ChallengeRepository {
	return &ChallengeRepository{DB: db}
}

// WithTx 返回绑定到事务的副本
func (r *ChallengeRepository) WithTx(tx *gorm.DB) *ChallengeRepository {
	return &ChallengeRepository{DB: tx}
}

func (r *ChallengeRepository) Create(ctx context.Context, c *model.Challenge) error {
	return r.DB.WithContext(ctx).Create(c).Error
}

func (r *ChallengeRepository) FindByID(ctx context.Context, id string) (*model.Challenge, error) {
	var c model.Challenge
	if err := r.DB.WithContext(ctx).First(&c, "challenge_id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListReusable 按 (难度, 玩法, 体裁) 取候选挑战，已有音频的排在前面，最多 limit 条
func (r *ChallengeRepository) ListReusable(ctx context.Context, difficulty model.Difficulty, mode model.PlayMode, promptType model.PromptType, limit int) ([]model.Challenge, error) {
	var out []model.Challenge
	err := r.DB.WithContext(ctx).
		Where("difficulty = ? AND play_mode = ? AND prompt_type = ?", difficulty, mode, promptType).
		Order("CASE WHEN audio_url IS NULL OR audio_url = '' THEN 1 ELSE 0 END").
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// SetAudioURL 仅当 audio_url 为空时写入，保证 null -> URL 最多发生一次
func (r *ChallengeRepository) SetAudioURL(ctx context.Context, id, url string) (bool, error) {
	res := r.DB.WithContext(ctx).
		Model(&model.Challenge{}).
		Where("challenge_id = ? AND (audio_url IS NULL OR audio_url = '')", id).
		Update("audio_url", url)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *ChallengeRepository) ListMissingAudio(ctx context.Context, limit int) ([]model.Challenge, error) {
	var out []model.Challenge
	err := r.DB.WithContext(ctx).
		Where("audio_url IS NULL OR audio_url = ''").
		Order("created_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
