package service

import (
	"listening_game_backend/internal/model"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const promptDir = "../../prompts"

func TestLoadPromptLibrary(t *testing.T) {
	lib, err := LoadPromptLibrary(promptDir)
	if err != nil {
		t.Fatalf("LoadPromptLibrary failed: %v", err)
	}
	if lib.Version == "" || lib.System == "" {
		t.Fatalf("expected version and system prompt, got %q / %q", lib.Version, lib.System)
	}

	for _, mode := range model.AllPlayModes {
		for _, d := range []model.Difficulty{model.DifficultyEasy, model.DifficultyIntermediate, model.DifficultyHard} {
			tpl, err := lib.Generation(mode, d)
			if err != nil {
				t.Fatalf("Generation(%s, %s) failed: %v", mode, d, err)
			}
			for _, ph := range []string{"{language}", "{prompt_type}"} {
				if !strings.Contains(tpl, ph) {
					t.Errorf("%s/%s template lacks %s", mode, d, ph)
				}
			}
		}

		_, err := lib.Evaluation(mode)
		if mode.UsesLLMScoring() && err != nil {
			t.Fatalf("Evaluation(%s) failed: %v", mode, err)
		}
		if !mode.UsesLLMScoring() && err == nil {
			t.Fatalf("Evaluation(%s) should not exist", mode)
		}
	}
}

// writePromptTree 在临时目录里生成最小的模板树
func writePromptTree(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	write := func(rel, body string) {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("manifest.yml", manifest)
	for _, mode := range model.AllPlayModes {
		for _, d := range []string{"easy", "intermediate", "hard"} {
			write(string(mode)+"/"+d+"/v1.txt", "Genre {promp_type} in {language}")
		}
	}
	for _, name := range []string{"clarify", "summarize", "paraphrase"} {
		write("evaluation/"+name+"/system.txt", name+" system")
		write("evaluation/"+name+"/user.txt", "{audio_text}")
	}
	return dir
}

func TestLoadPromptLibraryConventionAndFixes(t *testing.T) {
	dir := writePromptTree(t, "version: test\n")
	lib, err := LoadPromptLibrary(dir)
	if err != nil {
		t.Fatalf("LoadPromptLibrary failed: %v", err)
	}
	tpl, err := lib.Generation(model.PlayModeCloze, model.DifficultyHard)
	if err != nil {
		t.Fatalf("Generation failed: %v", err)
	}
	got := RenderPrompt(tpl, map[string]string{"prompt_type": "dialogue", "language": "Spanish"})
	if got != "Genre dialogue in Spanish" {
		t.Fatalf("unexpected rendered prompt %q", got)
	}

	for _, mode := range []model.PlayMode{model.PlayModeClarify, model.PlayModeSummarize, model.PlayModeParaphrase} {
		p, err := lib.Evaluation(mode)
		if err != nil {
			t.Fatalf("Evaluation(%s) failed: %v", mode, err)
		}
		if p.System != string(mode)+" system" || p.User != "{audio_text}" {
			t.Fatalf("Evaluation(%s) loaded %+v", mode, p)
		}
	}
}

func TestLoadPromptLibraryManifestOverridesConvention(t *testing.T) {
	dir := writePromptTree(t, `
version: test
evaluation:
  summarize: {system: shared/eval_system.txt}
`)
	if err := os.MkdirAll(filepath.Join(dir, "shared"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "shared", "eval_system.txt"), []byte("shared system\n"), 0644); err != nil {
		t.Fatal(err)
	}

	lib, err := LoadPromptLibrary(dir)
	if err != nil {
		t.Fatalf("LoadPromptLibrary failed: %v", err)
	}
	p, err := lib.Evaluation(model.PlayModeSummarize)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if p.System != "shared system" || p.User != "{audio_text}" {
		t.Fatalf("expected listed system file and conventional user file, got %+v", p)
	}
}

func TestLoadPromptLibraryRejectsIncompleteTree(t *testing.T) {
	missing := writePromptTree(t, "version: test\n")
	if err := os.Remove(filepath.Join(missing, "evaluation", "summarize", "user.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPromptLibrary(missing); err == nil {
		t.Fatal("expected error for a missing evaluation prompt")
	}

	wrongMode := writePromptTree(t, `
version: test
evaluation:
  focus: {system: evaluation/clarify/system.txt, user: evaluation/clarify/user.txt}
`)
	if _, err := LoadPromptLibrary(wrongMode); err == nil {
		t.Fatal("expected error for an evaluation prompt on a deterministic mode")
	}

	if _, err := LoadPromptLibrary(t.TempDir()); err == nil {
		t.Fatal("expected error without manifest")
	}
}

func TestRenderPromptKeepsUnknownPlaceholders(t *testing.T) {
	got := RenderPrompt("{a} and {b}", map[string]string{"a": "x"})
	if got != "x and {b}" {
		t.Fatalf("unexpected render %q", got)
	}
}
