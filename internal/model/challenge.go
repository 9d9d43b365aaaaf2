package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Challenge 一个可播放的听力单元，创建后除 audio_url 外不可变
type Challenge struct {
	ID                string         `gorm:"column:challenge_id;primaryKey;type:varchar(36)" json:"challenge_id"`
	PlayMode          PlayMode       `gorm:"size:20;not null;index:idx_challenge_lookup,priority:2" json:"play_mode"`
	PromptType        PromptType     `gorm:"size:30;not null;index:idx_challenge_lookup,priority:3" json:"prompt_type"`
	Difficulty        Difficulty     `gorm:"size:20;not null;index:idx_challenge_lookup,priority:1" json:"difficulty"`
	Language          string         `gorm:"size:16;not null" json:"language"`
	AudioURL          *string        `gorm:"size:1024" json:"audio_url"`
	AudioText         string         `gorm:"type:text;not null" json:"audio_text"`
	ChallengeMetadata datatypes.JSON `json:"challenge_metadata"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (Challenge) TableName() string {
	return "listening_challenge"
}

func (c *Challenge) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

func (c *Challenge) HasAudio() bool {
	return c.AudioURL != nil && *c.AudioURL != ""
}

// Metadata 解析并校验该挑战的玩法元数据
func (c *Challenge) Metadata() (ChallengeMetadata, error) {
	return ParseChallengeMetadata(c.PlayMode, c.ChallengeMetadata)
}

// ChallengeMetadata 按玩法区分的元数据变体
type ChallengeMetadata interface {
	Mode() PlayMode
}

type FocusMetadata struct {
	Question      string   `json:"question" validate:"required"`
	AnswerChoices []string `json:"answer_choices" validate:"required,min=1,dive,required"`
	CorrectAnswer string   `json:"correct_answer" validate:"required"`
}

type ClozeMetadata struct {
	TextWithBlanks string   `json:"text_with_blanks" validate:"required"`
	Answers        []string `json:"answers" validate:"required,min=1,dive,required"`
}

type ParaphraseMetadata struct {
	ReferenceText string   `json:"reference_text" validate:"required"`
	Rubric        []string `json:"rubric" validate:"required,min=1,dive,required"`
}

type SummarizeMetadata struct {
	ReferenceSummary string `json:"reference_summary" validate:"required"`
}

type ClarifyMetadata struct {
	PossibleQuestions []string `json:"possible_questions" validate:"required,min=1,dive,required"`
}

func (FocusMetadata) Mode() PlayMode      { return PlayModeFocus }
func (ClozeMetadata) Mode() PlayMode      { return PlayModeCloze }
func (ParaphraseMetadata) Mode() PlayMode { return PlayModeParaphrase }
func (SummarizeMetadata) Mode() PlayMode  { return PlayModeSummarize }
func (ClarifyMetadata) Mode() PlayMode    { return PlayModeClarify }

func newMetadata(mode PlayMode) (ChallengeMetadata, error) {
	switch mode {
	case PlayModeFocus:
		return &FocusMetadata{}, nil
	case PlayModeCloze:
		return &ClozeMetadata{}, nil
	case PlayModeParaphrase:
		return &ParaphraseMetadata{}, nil
	case PlayModeSummarize:
		return &SummarizeMetadata{}, nil
	case PlayModeClarify:
		return &ClarifyMetadata{}, nil
	}
	return nil, fmt.Errorf("unknown play mode %q", mode)
}

// ParseChallengeMetadata 解码并校验元数据；返回的变体为指针类型
func ParseChallengeMetadata(mode PlayMode, raw []byte) (ChallengeMetadata, error) {
	meta, err := newMetadata(mode)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s metadata is empty", mode)
	}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("%s metadata: %w", mode, err)
	}
	if fields := validateStruct(meta); len(fields) > 0 {
		return nil, &ValidationError{Subject: string(mode) + " metadata", Fields: fields}
	}
	return meta, nil
}

var modeInstructions = map[PlayMode]string{
	PlayModeFocus:      "Listen to the audio and choose the correct answer.",
	PlayModeCloze:      "Listen to the audio and fill in the blanks with the missing words.",
	PlayModeParaphrase: "Listen to the audio and restate it in your own words.",
	PlayModeSummarize:  "Listen to the audio and write a short summary of its main points.",
	PlayModeClarify:    "Listen to the audio and ask up to five questions that would clarify what you heard.",
}

// DisplayMetadata 返回给客户端的展示字段，不包含任何答案
func DisplayMetadata(meta ChallengeMetadata) map[string]interface{} {
	out := map[string]interface{}{
		"instruction": modeInstructions[meta.Mode()],
	}
	switch m := meta.(type) {
	case *FocusMetadata:
		out["question"] = m.Question
		out["answer_choices"] = m.AnswerChoices
	case *ClozeMetadata:
		out["text_with_blanks"] = m.TextWithBlanks
	}
	return out
}
