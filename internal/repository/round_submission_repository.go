package repository

import (
	"context"
	"errors"
	"listening_game_backend/internal/model"

	"gorm.io/gorm"
)

type RoundSubmissionRepository struct {
	DB *gorm.DB
}

func NewRoundSubmissionRepository(db *gorm.DB) *RoundSubmissionRepository {
	return &RoundSubmissionRepository{DB: db}
}

func (r *RoundSubmissionRepository) WithTx(tx *gorm.DB) *RoundSubmissionRepository {
	return &RoundSubmissionRepository{DB: tx}
}

func (r *RoundSubmissionRepository) Create(ctx context.Context, s *model.RoundSubmission) error {
	return r.DB.WithContext(ctx).Omit("Round").Create(s).Error
}

// FindByRound 每轮最多一条提交；不存在时返回 nil, nil
func (r *RoundSubmissionRepository) FindByRound(ctx context.Context, roundID string) (*model.RoundSubmission, error) {
	var s model.RoundSubmission
	err := r.DB.WithContext(ctx).Where("round_id = ?", roundID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RoundSubmissionRepository) ListBySession(ctx context.Context, sessionID string) ([]model.RoundSubmission, error) {
	var subs []model.RoundSubmission
	err := r.DB.WithContext(ctx).Where("session_id = ?", sessionID).Find(&subs).Error
	return subs, err
}
