package model

import (
	"encoding/json"
	"os"
	"path/filepath"

	judgeerr "fuzoj/pkg/errors"
)

// LanguageProfile describes how to compile and run one accepted language.
// Templates contain literal {source_file}/{output}/{source} placeholders,
// substituted by the sandbox driver and tokenized on single spaces.
type LanguageProfile struct {
	Ext             string `json:"ext"`
	CompileTemplate string `json:"compile_template"`
	RunTemplate     string `json:"run_template"`
}

// JudgeSection is the judge.* subtree of config.json.
type JudgeSection struct {
	MaxWorker int `json:"max_worker"`
}

// AppConfig is the process-wide config.json shape: a language name to
// LanguageProfile map plus the judge worker-pool size. Environment
// variables override individual fields after the file load.
type AppConfig struct {
	Languages map[string]LanguageProfile `json:"-"`
	Judge     JudgeSection               `json:"judge"`

	PostgresURL     string
	RabbitMQURL     string
	TaskCacheRoot   string
	TaskCacheBucket string
	ArtifactBucket  string
	StatusHTTPAddr  string
}

// configFile is the on-disk shape: language keys live at the top level
// alongside the reserved "judge" key, so it unmarshals in two passes.
type configFile struct {
	Judge JudgeSection `json:"judge"`
}

// LoadAppConfig reads config.json from path, then layers environment
// overrides on top (file defaults, env overrides).
func LoadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, judgeerr.Wrapf(err, judgeerr.ManifestInvalid, "read config %s", path)
	}

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, judgeerr.Wrapf(err, judgeerr.ManifestInvalid, "parse config %s", path)
	}

	cfg := &AppConfig{Languages: map[string]LanguageProfile{}}
	if raw, ok := raw["judge"]; ok {
		var section JudgeSection
		if err := json.Unmarshal(raw, &section); err != nil {
			return nil, judgeerr.Wrapf(err, judgeerr.ManifestInvalid, "parse judge section")
		}
		cfg.Judge = section
	}
	delete(raw, "judge")

	for lang, body := range raw {
		var profile LanguageProfile
		if err := json.Unmarshal(body, &profile); err != nil {
			return nil, judgeerr.Wrapf(err, judgeerr.ManifestInvalid, "parse language %s", lang)
		}
		cfg.Languages[lang] = profile
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("MAX_WORKER"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			c.Judge.MaxWorker = n
		}
	}
	c.PostgresURL = os.Getenv("POSTGRES_URL")
	c.RabbitMQURL = os.Getenv("RBMQ_URL")
	c.TaskCacheRoot = envOr("TASKCACHE_ROOT", "tasks")
	c.TaskCacheBucket = os.Getenv("TASKCACHE_BUCKET")
	c.ArtifactBucket = os.Getenv("ARTIFACT_BUCKET")
	c.StatusHTTPAddr = envOr("STATUS_HTTP_ADDR", ":8081")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, judgeerr.ValidationError("MAX_WORKER", "not a positive integer")
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, judgeerr.ValidationError("MAX_WORKER", "must be positive")
	}
	return n, nil
}

// LanguageProfileFor looks up the profile for a submission language.
func (c *AppConfig) LanguageProfileFor(language string) (LanguageProfile, error) {
	profile, ok := c.Languages[language]
	if !ok {
		return LanguageProfile{}, judgeerr.Newf(judgeerr.LanguageNotSupported, "language %q not configured", language)
	}
	return profile, nil
}

// Subtask is one all-or-nothing scoring group within a Task Manifest.
type Subtask struct {
	FullScore    uint64 `json:"full_score"`
	NumTestcases uint64 `json:"num_testcases"`
}

// TaskManifest describes a task's scoring layout and resource limits, as
// stored at tasks/<task_id>/manifest.json.
type TaskManifest struct {
	TimeLimitSec         float64   `json:"time_limit_sec"`
	MemoryLimitKBDecimal uint64    `json:"memory_limit_kb_decimal"`
	Checker              string    `json:"checker"`
	Skip                 bool      `json:"skip"`
	FullScore            uint64    `json:"full_score"`
	NumTestcases         uint64    `json:"num_testcases"`
	Subtasks             []Subtask `json:"subtasks"`
}

// MemoryLimitKB is manifest.memory_limit_kb_decimal scaled by 1000 — the
// manifest stores the value in thousands of kilobytes.
func (m *TaskManifest) MemoryLimitKB() uint64 {
	return m.MemoryLimitKBDecimal * 1000
}

// HasSubtasks reports whether scoring mode B (per-subtask) applies.
func (m *TaskManifest) HasSubtasks() bool {
	return len(m.Subtasks) > 0
}

// LoadTaskManifest reads tasks/<task_id>/manifest.json under root.
func LoadTaskManifest(root, taskID string) (*TaskManifest, error) {
	path := filepath.Join(root, taskID, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, judgeerr.Wrapf(err, judgeerr.ManifestInvalid, "read manifest %s", path)
	}
	var manifest TaskManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, judgeerr.Wrapf(err, judgeerr.ManifestInvalid, "parse manifest %s", path)
	}
	return &manifest, nil
}
