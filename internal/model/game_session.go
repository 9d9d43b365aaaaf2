package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionPaused     SessionStatus = "paused"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:    {SessionInProgress, SessionCancelled},
	SessionInProgress: {SessionPaused, SessionCompleted, SessionCancelled},
	SessionPaused:     {SessionInProgress, SessionCancelled},
}

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionInProgress, SessionPaused, SessionCompleted, SessionCancelled:
		return true
	}
	return false
}

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// CanTransitionTo 会话状态机
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// GameSession 单人听力游戏会话
type GameSession struct {
	ID           string        `gorm:"column:session_id;primaryKey;type:varchar(36)" json:"session_id"`
	OwnerUserID  string        `gorm:"column:user_id;type:varchar(36);not null;index" json:"owner_user_id"`
	Name         string        `gorm:"size:120;not null" json:"name"`
	Status       SessionStatus `gorm:"size:20;not null;index:idx_session_status_created,priority:1" json:"status"`
	CurrentRound int           `gorm:"not null;default:1" json:"current_round"`
	TotalScore   float64       `gorm:"not null;default:0" json:"total_score"`
	CreatedAt    time.Time     `gorm:"index:idx_session_status_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	StartedAt    *time.Time    `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at"`

	Config *GameSessionConfig `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE" json:"config,omitempty"`
}

func (GameSession) TableName() string {
	return "listening_game_session"
}

func (s *GameSession) BeforeCreate(tx *gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

// GameSessionConfig 决定回合准备方式的参数
type GameSessionConfig struct {
	SessionID               string                          `gorm:"column:session_id;primaryKey;type:varchar(36)" json:"-"`
	TotalRounds             int                             `gorm:"not null" json:"total_rounds"`
	MaxReplaysPerRound      int                             `gorm:"not null;default:0" json:"max_replays_per_round"`
	Difficulty              Difficulty                      `gorm:"size:20;not null" json:"difficulty"`
	SelectedModes           datatypes.JSONSlice[PlayMode]   `json:"selected_modes"`
	AllowedTypes            datatypes.JSONSlice[PromptType] `json:"allowed_types"`
	AudioEffects            datatypes.JSONMap               `json:"audio_effects,omitempty"`
	ReuseExistingChallenges bool                            `gorm:"not null;default:false" json:"reuse_existing_challenges"`
}

func (GameSessionConfig) TableName() string {
	return "listening_game_session_config"
}

// Combinations 该配置下所有合法的 (玩法, 体裁) 组合
func (c *GameSessionConfig) Combinations() []Combination {
	return ValidCombinations(c.SelectedModes, c.AllowedTypes)
}
