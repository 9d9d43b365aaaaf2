package repository

import (
	"context"
	"listening_game_backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GameSessionRepository struct {
	DB *gorm.DB
}

func NewGameSessionRepository(db *gorm.DB) *GameSessionRepository {
	return &GameSessionRepository{DB: db}
}

func (r *GameSessionRepository) WithTx(tx *gorm.DB) *GameSessionRepository {
	return &GameSessionRepository{DB: tx}
}

// Create 同时写入会话与配置
func (r *GameSessionRepository) Create(ctx context.Context, session *model.GameSession) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg := session.Config
		if err := tx.Omit(clause.Associations).Create(session).Error; err != nil {
			return err
		}
		if cfg != nil {
			cfg.SessionID = session.ID
			if err := tx.Create(cfg).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *GameSessionRepository) FindByID(ctx context.Context, id string) (*model.GameSession, error) {
	var s model.GameSession
	if err := r.DB.WithContext(ctx).Preload("Config").First(&s, "session_id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// FindByIDForUpdate 行级排他锁读取会话（SELECT ... FOR UPDATE），须在事务中调用
func (r *GameSessionRepository) FindByIDForUpdate(ctx context.Context, id string) (*model.GameSession, error) {
	var s model.GameSession
	err := r.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&s, "session_id = ?", id).Error
	if err != nil {
		return nil, err
	}
	var cfg model.GameSessionConfig
	if err := r.DB.WithContext(ctx).First(&cfg, "session_id = ?", id).Error; err != nil {
		return nil, err
	}
	s.Config = &cfg
	return &s, nil
}

func (r *GameSessionRepository) ListByOwner(ctx context.Context, ownerID string, status model.SessionStatus, page, limit int) ([]model.GameSession, int64, error) {
	var sessions []model.GameSession
	var total int64
	query := r.DB.WithContext(ctx).Model(&model.GameSession{}).Where("user_id = ?", ownerID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * limit
	err := query.Preload("Config").Order("created_at desc").Offset(offset).Limit(limit).Find(&sessions).Error
	return sessions, total, err
}

func (r *GameSessionRepository) Update(ctx context.Context, session *model.GameSession) error {
	return r.DB.WithContext(ctx).Omit(clause.Associations).Save(session).Error
}

func (r *GameSessionRepository) UpdateConfig(ctx context.Context, cfg *model.GameSessionConfig) error {
	return r.DB.WithContext(ctx).Save(cfg).Error
}

// Delete 级联删除提交、回合、配置与会话
func (r *GameSessionRepository) Delete(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&model.RoundSubmission{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&model.GameRound{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&model.GameSessionConfig{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", id).Delete(&model.GameSession{}).Error
	})
}
