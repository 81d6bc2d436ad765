// ABOUTME: Tests for the adcanvas CLI covering flag parsing, config layering, export rendering,
// ABOUTME: headless output, and an end-to-end run against the in-process dev backend.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/notify"
	"github.com/2389-research/adcanvas/phase"
	"github.com/2389-research/adcanvas/session"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ADCANVAS_BACKEND", "ADCANVAS_PROJECT", "ADCANVAS_DATA_DIR", "ADCANVAS_N_IMAGES",
		"ADCANVAS_LOG_LEVEL", "ADCANVAS_LOG_PRETTY", "ADCANVAS_WATCHDOG", "ADCANVAS_MAX_RECONNECTS",
		"ADCANVAS_DEV_ADDR", "ADCANVAS_DEV_STEP_DELAY", "ADCANVAS_OUTBOX_RATE",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("XDG_DATA_HOME", t.TempDir())
}

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	opts, err := parseFlags([]string{"-dev", "-n", "3", "-project", "spring", "-export", "out.md", "https://a.example/p"}, &stderr)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !opts.dev || opts.nImages != 3 || opts.project != "spring" || opts.exportPath != "out.md" {
		t.Errorf("opts = %+v", opts)
	}
	if opts.productURL != "https://a.example/p" {
		t.Errorf("productURL = %q", opts.productURL)
	}
}

func TestParseFlagsHelpAndUnknown(t *testing.T) {
	var stderr bytes.Buffer
	if _, err := parseFlags([]string{"-h"}, &stderr); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("-h err = %v, want flag.ErrHelp", err)
	}
	if !strings.Contains(stderr.String(), "Usage:") {
		t.Error("help text not printed")
	}
	if _, err := parseFlags([]string{"-bogus"}, &stderr); err == nil {
		t.Error("unknown flag accepted")
	}
}

func TestResolveConfigFlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADCANVAS_PROJECT", "from-env")
	t.Setenv("ADCANVAS_N_IMAGES", "2")

	cfg, err := resolveConfig(cliOptions{project: "from-flag", verbose: true})
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Project != "from-flag" || cfg.NImages != 2 || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}

	if _, err := resolveConfig(cliOptions{nImages: 20}); err == nil {
		t.Error("out-of-range -n accepted")
	}
	if _, err := resolveConfig(cliOptions{backend: "not-a-url"}); err == nil {
		t.Error("relative backend accepted")
	}
}

func TestRunWithoutWorkPrintsHelp(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), cliOptions{}, &stdout, &stderr); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "Usage:") {
		t.Error("expected usage on stderr")
	}
}

type fakeExportSource struct {
	transcript *chat.Transcript
	store      *phase.Store
	board      *canvas.Board
}

func (f fakeExportSource) ProjectID() string { return "p1" }
func (f fakeExportSource) JobID() string { return "" }
func (f fakeExportSource) Transcript() *chat.Transcript { return f.transcript }
func (f fakeExportSource) Bubbles() *phase.Store { return f.store }
func (f fakeExportSource) Board() *canvas.Board { return f.board }

func TestRenderExportFormats(t *testing.T) {
	src := fakeExportSource{transcript: chat.NewTranscript(), store: phase.NewStore(), board: canvas.NewBoard()}
	src.transcript.Append(chat.Message{ID: "m1", Role: chat.RoleUser, Type: chat.TypeText, Content: "https://a.example"})

	tests := []struct {
		path string
		want string
	}{
		{"out.md", "# Project p1"},
		{"out.HTML", "<h1>Project p1</h1>"},
		{"out.yaml", "project: p1"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			out, err := renderExport(tt.path, src)
			if err != nil {
				t.Fatalf("renderExport: %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
		})
	}

	if _, err := renderExport("out.pdf", src); !errors.Is(err, errUnknownExport) {
		t.Errorf("pdf err = %v, want errUnknownExport", err)
	}
}

func TestFormatLine(t *testing.T) {
	tests := []struct {
		msg  chat.Message
		want string
	}{
		{chat.Message{Role: chat.RoleUser, Content: "https://a.example"}, "> https://a.example"},
		{chat.Message{Role: chat.RoleAssistant, Type: chat.TypeError, Content: "boom"}, "! boom"},
		{chat.Message{Role: chat.RoleAssistant, Type: chat.TypeTemporaryStatus, IsTemporary: true, Content: "wait"}, "… wait"},
		{chat.Message{Role: chat.RoleAssistant, Type: chat.TypeCompletion, Content: "done", ImageURLs: []string{"u1"}}, "  done\n    u1"},
	}
	for _, tt := range tests {
		if got := formatLine(tt.msg); got != tt.want {
			t.Errorf("formatLine = %q, want %q", got, tt.want)
		}
	}
}

// scriptedSession plays a fixed list of transcript messages when Generate is called.
type scriptedSession struct {
	mu         sync.Mutex
	processing bool
	script     []chat.Message
	updates    *notify.Broadcaster[session.Update]
	genErr     error
}

func (s *scriptedSession) Generate(context.Context, string, int) (string, error) {
	if s.genErr != nil {
		return "", s.genErr
	}
	s.mu.Lock()
	s.processing = true
	s.mu.Unlock()
	go func() {
		for _, m := range s.script {
			s.updates.Broadcast(session.Update{
				Kind:       session.UpdateTranscript,
				Transcript: chat.Change{Kind: chat.ChangeAppended, Message: m},
			})
		}
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
		s.updates.Broadcast(session.Update{Kind: session.UpdateStatus})
	}()
	return "job-1", nil
}

func (s *scriptedSession) Cancel(context.Context) bool { return false }
func (s *scriptedSession) PendingMessages() int { return 0 }
func (s *scriptedSession) Subscribe() chan session.Update {
	return s.updates.Subscribe()
}
func (s *scriptedSession) Unsubscribe(ch chan session.Update) { s.updates.Unsubscribe(ch) }
func (s *scriptedSession) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

func TestRunHeadlessExitCodes(t *testing.T) {
	ok := &scriptedSession{updates: notify.New[session.Update](256), script: []chat.Message{
		{Role: chat.RoleUser, Content: "https://a.example"},
		{Role: chat.RoleAssistant, Type: chat.TypeCompletion, Content: "All done"},
	}}
	var out bytes.Buffer
	if code := runHeadless(context.Background(), ok, "https://a.example", 2, &out); code != 0 {
		t.Errorf("completed job exit = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "All done") {
		t.Errorf("output = %q", out.String())
	}

	failed := &scriptedSession{updates: notify.New[session.Update](256), script: []chat.Message{
		{Role: chat.RoleAssistant, Type: chat.TypeError, Content: "Lost connection"},
	}}
	if code := runHeadless(context.Background(), failed, "https://a.example", 2, &out); code != 1 {
		t.Errorf("failed job exit = %d, want 1", code)
	}

	rejected := &scriptedSession{updates: notify.New[session.Update](256), genErr: errors.New("invalid url")}
	out.Reset()
	if code := runHeadless(context.Background(), rejected, "bad", 2, &out); code != 1 || !strings.Contains(out.String(), "invalid url") {
		t.Errorf("rejected exit = %d, output %q", code, out.String())
	}
}

func TestRunEndToEndWithDevBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADCANVAS_DEV_ADDR", "127.0.0.1:0")
	t.Setenv("ADCANVAS_DEV_STEP_DELAY", "1ms")
	dataDir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	opts := cliOptions{dev: true, dataDir: dataDir, project: "e2e", nImages: 2, productURL: "https://shop.example/products/mug"}
	if code := run(ctx, opts, &stdout, &stderr); code != 0 {
		t.Fatalf("run exit = %d\nstdout:\n%s\nstderr:\n%s", code, stdout.String(), stderr.String())
	}
	if !strings.Contains(stdout.String(), "> https://shop.example/products/mug") {
		t.Errorf("user message not printed:\n%s", stdout.String())
	}
	if _, err := os.Stat(filepath.Join(dataDir, "adcanvas.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}

	// A second run exports what the first one persisted.
	exportPath := filepath.Join(dataDir, "out", "e2e.yaml")
	stdout.Reset()
	opts = cliOptions{dataDir: dataDir, project: "e2e", exportPath: exportPath}
	if code := run(ctx, opts, &stdout, &stderr); code != 0 {
		t.Fatalf("export exit = %d\nstderr:\n%s", code, stderr.String())
	}
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	yaml := string(data)
	if strings.Count(yaml, "/images/") < 2 {
		t.Errorf("export lacks placed images:\n%s", yaml)
	}
	if !strings.Contains(yaml, "content: https://shop.example/products/mug") {
		t.Errorf("export lacks the user message:\n%s", yaml)
	}
}
