package model

import (
	"time"

	"gorm.io/gorm"
)

type RoundStatus string

const (
	RoundQueued    RoundStatus = "queued"
	RoundPending   RoundStatus = "pending"
	RoundServed    RoundStatus = "served"
	RoundAttempted RoundStatus = "attempted"
)

// 回合状态只能单步前进
var roundNext = map[RoundStatus]RoundStatus{
	RoundQueued:  RoundPending,
	RoundPending: RoundServed,
	RoundServed:  RoundAttempted,
}

func (s RoundStatus) CanTransitionTo(next RoundStatus) bool {
	n, ok := roundNext[s]
	return ok && n == next
}

const DefaultMaxScore = 10.0

// GameRound 会话中的一轮
type GameRound struct {
	ID          string      `gorm:"column:round_id;primaryKey;type:varchar(36)" json:"round_id"`
	SessionID   string      `gorm:"type:varchar(36);not null;uniqueIndex:uq_round_session_number,priority:1;index:idx_round_session_status,priority:1" json:"session_id"`
	RoundNumber int         `gorm:"not null;uniqueIndex:uq_round_session_number,priority:2" json:"round_number"`
	Status      RoundStatus `gorm:"size:20;not null;index:idx_round_session_status,priority:2" json:"status"`
	PlayMode    *PlayMode   `gorm:"size:20" json:"play_mode"`
	PromptType  *PromptType `gorm:"size:30" json:"prompt_type"`
	ChallengeID *string     `gorm:"type:varchar(36);index" json:"challenge_id"`
	Score       *float64    `json:"score"`
	MaxScore    float64     `gorm:"not null;default:10" json:"max_score"`
	ReplaysUsed int         `gorm:"not null;default:0" json:"replays_used"`
	PreparedAt  *time.Time  `json:"prepared_at"`
	StartedAt   *time.Time  `json:"started_at"`
	EndedAt     *time.Time  `json:"ended_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	Session   *GameSession `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
	Challenge *Challenge   `gorm:"foreignKey:ChallengeID;references:ID" json:"-"`
}

func (GameRound) TableName() string {
	return "listening_game_round"
}

func (r *GameRound) BeforeCreate(tx *gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// Combination 已准备回合的组合；未准备时 ok 为 false
func (r *GameRound) Combination() (Combination, bool) {
	if r.PlayMode == nil || r.PromptType == nil {
		return Combination{}, false
	}
	return Combination{Mode: *r.PlayMode, Type: *r.PromptType}, true
}

func (r *GameRound) Prepared() bool {
	return r.Status != RoundQueued
}
