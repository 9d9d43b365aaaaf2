package model

// PlayMode 五种听力玩法
type PlayMode string

const (
	PlayModeFocus      PlayMode = "focus"
	PlayModeCloze      PlayMode = "cloze"
	PlayModeParaphrase PlayMode = "paraphrase"
	PlayModeSummarize  PlayMode = "summarize"
	PlayModeClarify    PlayMode = "clarify"
)

var AllPlayModes = []PlayMode{
	PlayModeFocus,
	PlayModeCloze,
	PlayModeParaphrase,
	PlayModeSummarize,
	PlayModeClarify,
}

func (m PlayMode) Valid() bool {
	for _, v := range AllPlayModes {
		if v == m {
			return true
		}
	}
	return false
}

// UsesLLMScoring 除 focus 与 cloze 外均由模型评估
func (m PlayMode) UsesLLMScoring() bool {
	return m == PlayModeParaphrase || m == PlayModeSummarize || m == PlayModeClarify
}

// PromptType 音频内容体裁
type PromptType string

const (
	PromptTypeDescriptive      PromptType = "descriptive"
	PromptTypeHistoricalEvent  PromptType = "historical_event"
	PromptTypeInstructional    PromptType = "instructional"
	PromptTypeDialogue         PromptType = "dialogue"
	PromptTypeNarratedDialogue PromptType = "narrated_dialogue"
)

var AllPromptTypes = []PromptType{
	PromptTypeDescriptive,
	PromptTypeHistoricalEvent,
	PromptTypeInstructional,
	PromptTypeDialogue,
	PromptTypeNarratedDialogue,
}

func (t PromptType) Valid() bool {
	for _, v := range AllPromptTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Difficulty string

const (
	DifficultyEasy         Difficulty = "easy"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyHard         Difficulty = "hard"
)

func (d Difficulty) Valid() bool {
	return d == DifficultyEasy || d == DifficultyIntermediate || d == DifficultyHard
}

type AudioLength string

const (
	AudioLengthShort  AudioLength = "short"
	AudioLengthMedium AudioLength = "medium"
	AudioLengthLong   AudioLength = "long"
)

// AudioLengthFor 难度到音频长度的固定映射
func AudioLengthFor(d Difficulty) AudioLength {
	switch d {
	case DifficultyIntermediate:
		return AudioLengthMedium
	case DifficultyHard:
		return AudioLengthLong
	default:
		return AudioLengthShort
	}
}

// Combination 一轮的 (玩法, 体裁) 组合
type Combination struct {
	Mode PlayMode
	Type PromptType
}

// 纯对话体裁不出 paraphrase 与 cloze
var forbiddenCombinations = map[Combination]bool{
	{Mode: PlayModeParaphrase, Type: PromptTypeDialogue}: true,
	{Mode: PlayModeCloze, Type: PromptTypeDialogue}:      true,
}

func (c Combination) Forbidden() bool {
	return forbiddenCombinations[c]
}

// ValidCombinations 玩法 × 体裁 的笛卡尔积，去掉禁用组合，顺序稳定
func ValidCombinations(modes []PlayMode, types []PromptType) []Combination {
	out := make([]Combination, 0, len(modes)*len(types))
	for _, m := range modes {
		for _, t := range types {
			c := Combination{Mode: m, Type: t}
			if c.Forbidden() {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}
