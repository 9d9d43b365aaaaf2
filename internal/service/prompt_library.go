package service

import (
	"fmt"
	"listening_game_backend/internal/model"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// promptManifest prompts/manifest.yml 的结构
type promptManifest struct {
	Version    string                                         `yaml:"version"`
	System     string                                         `yaml:"system"`
	Generation map[model.PlayMode]map[model.Difficulty]string `yaml:"generation"`
	Evaluation map[model.PlayMode]evaluationFiles             `yaml:"evaluation"`
}

type evaluationFiles struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// EvaluationPrompt 一对评估模板
type EvaluationPrompt struct {
	System string
	User   string
}

// 历史模板里出现过的占位符拼写错误
var placeholderFixer = strings.NewReplacer(
	"{promp_type}", "{prompt_type}",
	"{prompt_ype}", "{prompt_type}",
	"{prompt_tye}", "{prompt_type}",
)

// PromptLibrary 启动时一次性读入的模板集合，之后只读
type PromptLibrary struct {
	Version    string
	System     string
	generation map[model.PlayMode]map[model.Difficulty]string
	evaluation map[model.PlayMode]EvaluationPrompt
}

// LoadPromptLibrary 读取 dir/manifest.yml 及其引用的模板文件；
// 清单未列出的生成模板按 {mode}/{difficulty}/v1.txt 查找，
// 评估模板按 evaluation/{mode}/system.txt 与 user.txt 查找
func LoadPromptLibrary(dir string) (*PromptLibrary, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.yml"))
	if err != nil {
		return nil, fmt.Errorf("读取提示词清单失败: %w", err)
	}
	var manifest promptManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("解析提示词清单失败: %w", err)
	}

	read := func(rel string) (string, error) {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("读取提示词模板 %s 失败: %w", rel, err)
		}
		return placeholderFixer.Replace(strings.TrimSpace(string(data))), nil
	}

	lib := &PromptLibrary{
		Version:    manifest.Version,
		generation: make(map[model.PlayMode]map[model.Difficulty]string),
		evaluation: make(map[model.PlayMode]EvaluationPrompt),
	}
	if manifest.System != "" {
		if lib.System, err = read(manifest.System); err != nil {
			return nil, err
		}
	}

	for _, mode := range model.AllPlayModes {
		lib.generation[mode] = make(map[model.Difficulty]string)
		for _, d := range []model.Difficulty{model.DifficultyEasy, model.DifficultyIntermediate, model.DifficultyHard} {
			rel := manifest.Generation[mode][d]
			if rel == "" {
				rel = fmt.Sprintf("%s/%s/v1.txt", mode, d)
			}
			tpl, err := read(rel)
			if err != nil {
				return nil, err
			}
			lib.generation[mode][d] = tpl
		}
	}

	for mode := range manifest.Evaluation {
		if !mode.UsesLLMScoring() {
			return nil, fmt.Errorf("evaluation prompt declared for non-LLM mode %q", mode)
		}
	}
	for _, mode := range model.AllPlayModes {
		if !mode.UsesLLMScoring() {
			continue
		}
		files := manifest.Evaluation[mode]
		if files.System == "" {
			files.System = fmt.Sprintf("evaluation/%s/system.txt", mode)
		}
		if files.User == "" {
			files.User = fmt.Sprintf("evaluation/%s/user.txt", mode)
		}
		sys, err := read(files.System)
		if err != nil {
			return nil, err
		}
		user, err := read(files.User)
		if err != nil {
			return nil, err
		}
		lib.evaluation[mode] = EvaluationPrompt{System: sys, User: user}
	}

	return lib, nil
}

// Generation 返回某玩法某难度的生成模板
func (l *PromptLibrary) Generation(mode model.PlayMode, d model.Difficulty) (string, error) {
	tpl, ok := l.generation[mode][d]
	if !ok {
		return "", fmt.Errorf("no generation prompt for %s/%s", mode, d)
	}
	return tpl, nil
}

func (l *PromptLibrary) Evaluation(mode model.PlayMode) (EvaluationPrompt, error) {
	p, ok := l.evaluation[mode]
	if !ok {
		return EvaluationPrompt{}, fmt.Errorf("no evaluation prompt for %s", mode)
	}
	return p, nil
}

// RenderPrompt 替换 {name} 形式的占位符，未知占位符原样保留
func RenderPrompt(tpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(placeholderFixer.Replace(tpl))
}
