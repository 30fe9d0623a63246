package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"fuzoj/internal/judge/model"
)

func TestSubstituteTokensOmitsOutputForPython(t *testing.T) {
	tokens := substituteTokens("python3 {source_file}", map[string]string{"{source_file}": "/box/source.py"})
	want := []string{"python3", "/box/source.py"}
	if len(tokens) != len(want) {
		t.Fatalf("got %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("got %v, want %v", tokens, want)
		}
	}
}

func TestSubstituteTokensIncludesOutputForCompiled(t *testing.T) {
	tokens := substituteTokens("g++ {source_file} -o {output}", map[string]string{
		"{source_file}": "/box/source.cpp",
		"{output}":      "/box/source",
	})
	want := []string{"g++", "/box/source.cpp", "-o", "/box/source"}
	if len(tokens) != len(want) {
		t.Fatalf("got %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("got %v, want %v", tokens, want)
		}
	}
}

func TestSubstituteTokensEmptyTemplate(t *testing.T) {
	if tokens := substituteTokens("", nil); tokens != nil {
		t.Fatalf("expected nil tokens for empty template, got %v", tokens)
	}
}

func writeMeta(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "meta.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	return path
}

func TestParseMetaFileDefaultsToOK(t *testing.T) {
	dir := t.TempDir()
	path := writeMeta(t, dir, "time:0.012\ncg-mem:1024\n")

	result, err := parseMetaFile(path)
	if err != nil {
		t.Fatalf("parseMetaFile: %v", err)
	}
	if result.Status != model.VerdictOK {
		t.Fatalf("expected OK, got %s", result.Status)
	}
	if result.MemoryUsageKB != 1024 {
		t.Fatalf("expected 1024 KB, got %d", result.MemoryUsageKB)
	}
}

func TestParseMetaFileMapsStatuses(t *testing.T) {
	cases := map[string]model.RunVerdict{
		"status:RE\n": model.VerdictRE,
		"status:SG\n": model.VerdictSG,
		"status:TO\n": model.VerdictTLE,
		"status:XX\n": model.VerdictXX,
	}
	for content, want := range cases {
		dir := t.TempDir()
		path := writeMeta(t, dir, content)
		result, err := parseMetaFile(path)
		if err != nil {
			t.Fatalf("parseMetaFile(%q): %v", content, err)
		}
		if result.Status != want {
			t.Fatalf("content %q: got %s, want %s", content, result.Status, want)
		}
	}
}

func TestParseMetaFileOomKillOverridesStatus(t *testing.T) {
	dir := t.TempDir()
	path := writeMeta(t, dir, "status:RE\ncg-oom-killed:1\n")

	result, err := parseMetaFile(path)
	if err != nil {
		t.Fatalf("parseMetaFile: %v", err)
	}
	if result.Status != model.VerdictMLE {
		t.Fatalf("expected MLE override, got %s", result.Status)
	}
}

func TestMapRawStatusUnknownNonEmptyIsSignal(t *testing.T) {
	if got := mapRawStatus("WEIRD"); got != model.VerdictSG {
		t.Fatalf("expected SG for unrecognized non-empty status, got %s", got)
	}
}
