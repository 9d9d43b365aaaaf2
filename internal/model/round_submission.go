package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RoundSubmission 一轮的唯一作答记录
type RoundSubmission struct {
	ID              string         `gorm:"column:submission_id;primaryKey;type:varchar(36)" json:"submission_id"`
	SessionID       string         `gorm:"type:varchar(36);not null;index" json:"session_id"`
	RoundID         string         `gorm:"type:varchar(36);not null;uniqueIndex:uq_submission_round;uniqueIndex:uq_submission_round_key,priority:1" json:"round_id"`
	UserID          string         `gorm:"type:varchar(36);not null;index" json:"user_id"`
	PlayMode        PlayMode       `gorm:"size:20;not null" json:"play_mode"`
	PromptType      *PromptType    `gorm:"size:30" json:"prompt_type"`
	AnswerPayload   datatypes.JSON `json:"answer_payload"`
	Score           float64        `gorm:"not null;default:0" json:"score"`
	IsCorrect       bool           `gorm:"not null;default:false" json:"is_correct"`
	FeedbackShort   string         `gorm:"size:255" json:"feedback_short"`
	ClientElapsedMs *int64         `json:"client_elapsed_ms"`
	IdempotencyKey  string         `gorm:"size:128;not null;uniqueIndex:uq_submission_round_key,priority:2" json:"idempotency_key"`
	SubmittedAt     time.Time      `json:"submitted_at"`

	Round *GameRound `gorm:"foreignKey:RoundID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

func (RoundSubmission) TableName() string {
	return "listening_round_submission"
}

func (s *RoundSubmission) BeforeCreate(tx *gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
