package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONConsoleCarriesDeliveryFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := newService(&buf)
	s.Apply(Config{Level: "info", Console: true, JSON: true})

	l := Logger{svc: s}.With(String("comp", "engine"), Identity("primary_1"))
	l.Debug("hidden at info")
	l.Info("send failed", Job("job-1"), Cycle("2026-10-16/c1"), Template("du_en_1"), Err(errors.New("boom")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("decode %q: %v", lines[0], err)
	}
	want := map[string]string{
		"level":    "info",
		"message":  "send failed",
		"comp":     "engine",
		"identity": "primary_1",
		"job":      "job-1",
		"cycle":    "2026-10-16/c1",
		"template": "du_en_1",
		"err":      "boom",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %v, want %q (line %s)", k, got[k], v, lines[0])
		}
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %v", got["caller"])
	}
}

func TestApplyKeepsFileOpenOnLevelChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "deliveryd.log")
	s := newService(&bytes.Buffer{})
	defer s.Close()

	s.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	f := s.file
	if f == nil {
		t.Fatal("log file not opened")
	}
	l := Logger{svc: s}
	l.Debug("before")
	l.Info("first")

	s.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: " " + path + " "}})
	if s.file != f {
		t.Fatal("level change reopened the log file")
	}
	l.Debug("second")

	other := filepath.Join(dir, "other.log")
	s.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: other}})
	if s.file == f {
		t.Fatal("path change kept the old file")
	}
	l.Info("third")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	body := string(b)
	if strings.Contains(body, "before") || !strings.Contains(body, "first") || !strings.Contains(body, "second") || strings.Contains(body, "third") {
		t.Fatalf("first file = %s", body)
	}
	if b, _ := os.ReadFile(other); !strings.Contains(string(b), "third") {
		t.Fatalf("second file = %s", b)
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero should only hold for the zero value")
	}
	zero.Info("dropped")
	Nop().With(Job("j")).Error("dropped")
}
