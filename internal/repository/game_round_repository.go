package repository

import (
	"context"
	"listening_game_backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GameRoundRepository struct {
	DB *gorm.DB
}

func NewGameRoundRepository(db *gorm.DB) *GameRoundRepository {
	return &GameRoundRepository{DB: db}
}

func (r *GameRoundRepository) WithTx(tx *gorm.DB) *GameRoundRepository {
	return &GameRoundRepository{DB: tx}
}

// Ensure 物化 (session_id, round_number) 对应的 queued 回合；已存在时不做修改
func (r *GameRoundRepository) Ensure(ctx context.Context, sessionID string, number int) error {
	round := &model.GameRound{
		SessionID:   sessionID,
		RoundNumber: number,
		Status:      model.RoundQueued,
		MaxScore:    model.DefaultMaxScore,
	}
	return r.DB.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "round_number"}},
			DoNothing: true,
		}).
		Create(round).Error
}

func (r *GameRoundRepository) FindByNumber(ctx context.Context, sessionID string, number int) (*model.GameRound, error) {
	var round model.GameRound
	err := r.DB.WithContext(ctx).
		Where("session_id = ? AND round_number = ?", sessionID, number).
		First(&round).Error
	if err != nil {
		return nil, err
	}
	return &round, nil
}

// FindByNumberForUpdate 行级排他锁读取回合，须在事务中调用
func (r *GameRoundRepository) FindByNumberForUpdate(ctx context.Context, sessionID string, number int) (*model.GameRound, error) {
	var round model.GameRound
	err := r.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ? AND round_number = ?", sessionID, number).
		First(&round).Error
	if err != nil {
		return nil, err
	}
	return &round, nil
}

func (r *GameRoundRepository) ListBySession(ctx context.Context, sessionID string) ([]model.GameRound, error) {
	var rounds []model.GameRound
	err := r.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("round_number asc").
		Find(&rounds).Error
	return rounds, err
}

func (r *GameRoundRepository) Update(ctx context.Context, round *model.GameRound) error {
	return r.DB.WithContext(ctx).Omit(clause.Associations).Save(round).Error
}

// IncrementReplay 原子地 replays_used + 1，仅当 replays_used < max
func (r *GameRoundRepository) IncrementReplay(ctx context.Context, roundID string, max int) (bool, error) {
	res := r.DB.WithContext(ctx).
		Model(&model.GameRound{}).
		Where("round_id = ? AND replays_used < ?", roundID, max).
		Update("replays_used", gorm.Expr("replays_used + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SumAttemptedScore 已作答回合的总分
func (r *GameRoundRepository) SumAttemptedScore(ctx context.Context, sessionID string) (float64, error) {
	var total float64
	err := r.DB.WithContext(ctx).
		Model(&model.GameRound{}).
		Where("session_id = ? AND status = ?", sessionID, model.RoundAttempted).
		Select("COALESCE(SUM(score), 0)").
		Scan(&total).Error
	return total, err
}
