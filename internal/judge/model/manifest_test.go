package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	judgeerr "fuzoj/pkg/errors"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigParsesLanguagesAndJudgeSection(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"judge": {"max_worker": 4},
		"cpp": {"ext": "cpp", "compile_template": "g++ {source_file} -o {output}", "run_template": "{source}"},
		"py": {"ext": "py", "compile_template": "", "run_template": "python3 {source}"}
	}`)

	t.Setenv("MAX_WORKER", "")
	t.Setenv("POSTGRES_URL", "postgres://x")
	t.Setenv("RBMQ_URL", "amqp://y")

	cfg, err := LoadAppConfig(path)
	if err != nil {
		t.Fatalf("LoadAppConfig: %v", err)
	}
	if cfg.Judge.MaxWorker != 4 {
		t.Fatalf("expected max_worker 4, got %d", cfg.Judge.MaxWorker)
	}
	if len(cfg.Languages) != 2 {
		t.Fatalf("expected 2 languages, got %d", len(cfg.Languages))
	}
	if cfg.Languages["cpp"].Ext != "cpp" {
		t.Fatalf("expected cpp profile loaded, got %+v", cfg.Languages["cpp"])
	}
	if cfg.PostgresURL != "postgres://x" || cfg.RabbitMQURL != "amqp://y" {
		t.Fatalf("expected env overrides applied, got %+v", cfg)
	}
}

func TestLoadAppConfigMaxWorkerEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"judge": {"max_worker": 2}}`)
	t.Setenv("MAX_WORKER", "16")

	cfg, err := LoadAppConfig(path)
	if err != nil {
		t.Fatalf("LoadAppConfig: %v", err)
	}
	if cfg.Judge.MaxWorker != 16 {
		t.Fatalf("expected env override to win, got %d", cfg.Judge.MaxWorker)
	}
}

func TestLoadAppConfigMissingFile(t *testing.T) {
	if _, err := LoadAppConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLanguageProfileForUnknownLanguage(t *testing.T) {
	cfg := &AppConfig{Languages: map[string]LanguageProfile{"cpp": {Ext: "cpp"}}}
	if _, err := cfg.LanguageProfileFor("rust"); err == nil {
		t.Fatalf("expected error for unconfigured language")
	} else if judgeerr.GetCode(err) != judgeerr.LanguageNotSupported {
		t.Fatalf("expected LanguageNotSupported, got %v", judgeerr.GetCode(err))
	}
}

func TestTaskManifestMemoryLimitScaling(t *testing.T) {
	m := &TaskManifest{MemoryLimitKBDecimal: 256}
	if got := m.MemoryLimitKB(); got != 256000 {
		t.Fatalf("expected 256000 KB, got %d", got)
	}
}

func TestTaskManifestHasSubtasks(t *testing.T) {
	flat := &TaskManifest{}
	if flat.HasSubtasks() {
		t.Fatalf("expected flat manifest to report no subtasks")
	}
	withSubtasks := &TaskManifest{Subtasks: []Subtask{{FullScore: 40, NumTestcases: 2}}}
	if !withSubtasks.HasSubtasks() {
		t.Fatalf("expected manifest with subtasks to report true")
	}
}

func TestLoadTaskManifestRoundTrip(t *testing.T) {
	root := t.TempDir()
	taskDir := filepath.Join(root, "task1")
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := TaskManifest{
		TimeLimitSec:         1.5,
		MemoryLimitKBDecimal: 256,
		Checker:              "wcmp",
		Skip:                 true,
		FullScore:            100,
		NumTestcases:         4,
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "manifest.json"), data, 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	got, err := LoadTaskManifest(root, "task1")
	if err != nil {
		t.Fatalf("LoadTaskManifest: %v", err)
	}
	if got.Checker != "wcmp" || got.FullScore != 100 || !got.Skip {
		t.Fatalf("unexpected manifest: %+v", got)
	}
}
