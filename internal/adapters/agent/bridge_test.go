package agent

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dkeye/voicerelay/internal/domain"
)

type chanSink chan domain.ToolResult

func (s chanSink) DeliverResult(r domain.ToolResult) { s <- r }

func (s chanSink) next(t *testing.T) domain.ToolResult {
	t.Helper()
	select {
	case r := <-s:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("no result delivered")
		return domain.ToolResult{}
	}
}

// fakeAgent writes an executable shell script standing in for the agent CLI.
// The script records its arguments to args.txt next to itself.
func fakeAgent(t *testing.T, body string) (cmd, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args.txt")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > '" + argsFile + "'\n" +
		"for a; do last=$a; done\n" +
		"out=$(printf '%s\\n' \"$last\" | sed -n 's/.*to the file \\(.*\\)\\. Only that file is read back\\./\\1/p')\n" +
		body + "\n"
	cmd = filepath.Join(dir, "agent.sh")
	if err := os.WriteFile(cmd, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return cmd, argsFile
}

func newTestBridge(t *testing.T, cmd string, mutate func(*Config)) (*Bridge, chanSink, string) {
	t.Helper()
	tmp := t.TempDir()
	cfg := Config{
		Command:   cmd,
		Args:      []string{"-p"},
		FastModel: "haiku",
		Timeout:   5 * time.Second,
		TempDir:   tmp,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sink := make(chanSink, 4)
	return NewBridge(cfg, sink), sink, tmp
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp dir not cleaned up: %v", entries)
	}
}

func TestStdoutFallback(t *testing.T) {
	cmd, _ := fakeAgent(t, `echo "hello from stdout"`)
	b, sink, tmp := newTestBridge(t, cmd, nil)

	id, err := b.Dispatch("say hello", domain.ModeSmart)
	if err != nil {
		t.Fatal(err)
	}
	res := sink.next(t)
	b.Wait()

	if res.TaskID != id {
		t.Fatalf("task id: got %q, want %q", res.TaskID, id)
	}
	if !res.Success || res.Output != "hello from stdout" {
		t.Fatalf("unexpected result: %+v", res)
	}
	assertEmptyDir(t, tmp)
}

func TestResponseFilePreferred(t *testing.T) {
	cmd, _ := fakeAgent(t, `echo "from file" > "$out"; echo "stdout noise"`)
	b, sink, tmp := newTestBridge(t, cmd, nil)

	if _, err := b.Dispatch("check the weather", domain.ModeSmart); err != nil {
		t.Fatal(err)
	}
	res := sink.next(t)
	b.Wait()

	if !res.Success || res.Output != "from file" {
		t.Fatalf("unexpected result: %+v", res)
	}
	assertEmptyDir(t, tmp)
}

func TestModelOverride(t *testing.T) {
	tests := []struct {
		name      string
		mode      domain.Mode
		wantModel bool
	}{
		{"fast adds override", domain.ModeFast, true},
		{"smart keeps default", domain.ModeSmart, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, argsFile := fakeAgent(t, `echo ok`)
			b, sink, _ := newTestBridge(t, cmd, nil)

			if _, err := b.Dispatch("summarize", tt.mode); err != nil {
				t.Fatal(err)
			}
			sink.next(t)
			b.Wait()

			data, err := os.ReadFile(argsFile)
			if err != nil {
				t.Fatal(err)
			}
			args := string(data)
			if !strings.HasPrefix(args, "-p\n") {
				t.Fatalf("configured args missing: %q", args)
			}
			got := strings.Contains(args, "\n--model\nhaiku\n")
			if got != tt.wantModel {
				t.Fatalf("model override = %v, want %v (args %q)", got, tt.wantModel, args)
			}
			if !strings.Contains(args, "summarize") {
				t.Fatalf("task missing from prompt: %q", args)
			}
		})
	}
}

func TestTimeout(t *testing.T) {
	cmd, _ := fakeAgent(t, `exec sleep 10`)
	b, sink, tmp := newTestBridge(t, cmd, func(c *Config) { c.Timeout = 200 * time.Millisecond })

	start := time.Now()
	if _, err := b.Dispatch("slow", domain.ModeSmart); err != nil {
		t.Fatal(err)
	}
	res := sink.next(t)
	b.Wait()

	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("error should mention timeout: %q", res.Error)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout took too long: %v", time.Since(start))
	}
	assertEmptyDir(t, tmp)
}

func TestTimeoutRemovesWrittenResponseFile(t *testing.T) {
	cmd, argsFile := fakeAgent(t, `echo partial > "$out" && touch "$(dirname "$0")/written"; exec sleep 10`)
	b, sink, tmp := newTestBridge(t, cmd, func(c *Config) { c.Timeout = 300 * time.Millisecond })

	if _, err := b.Dispatch("slow writer", domain.ModeSmart); err != nil {
		t.Fatal(err)
	}
	res := sink.next(t)
	b.Wait()

	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(argsFile), "written")); err != nil {
		t.Fatalf("agent never wrote its response file: %v", err)
	}
	assertEmptyDir(t, tmp)
}

func TestNonZeroExit(t *testing.T) {
	cmd, _ := fakeAgent(t, `echo boom >&2; exit 3`)
	b, sink, _ := newTestBridge(t, cmd, nil)

	if _, err := b.Dispatch("fail", domain.ModeSmart); err != nil {
		t.Fatal(err)
	}
	res := sink.next(t)
	b.Wait()

	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Error, "exited with code 3") || !strings.Contains(res.Error, "boom") {
		t.Fatalf("unexpected error: %q", res.Error)
	}
}

func TestCommandNotFound(t *testing.T) {
	b, sink, _ := newTestBridge(t, "voicerelay-no-such-agent", nil)

	if _, err := b.Dispatch("anything", domain.ModeSmart); err != nil {
		t.Fatal(err)
	}
	res := sink.next(t)
	b.Wait()

	if res.Success || !strings.Contains(res.Error, "not found") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTruncation(t *testing.T) {
	cmd, _ := fakeAgent(t, `printf 'aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa'`)
	b, sink, _ := newTestBridge(t, cmd, func(c *Config) { c.MaxOutput = 10 })

	if _, err := b.Dispatch("long", domain.ModeSmart); err != nil {
		t.Fatal(err)
	}
	res := sink.next(t)
	b.Wait()

	want := strings.Repeat("a", 10) + "\n\n[... truncated 20 characters]"
	if res.Output != want {
		t.Fatalf("got %q, want %q", res.Output, want)
	}
}

func TestEmptyTaskRejected(t *testing.T) {
	b, _, _ := newTestBridge(t, "true", nil)

	_, err := b.Dispatch("   ", domain.ModeSmart)
	if !errors.Is(err, domain.ErrToolDispatch) {
		t.Fatalf("expected ErrToolDispatch, got %v", err)
	}
	if n := len(b.Pending()); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestPendingTracksRunningTasks(t *testing.T) {
	cmd, _ := fakeAgent(t, `sleep 0.3; echo done`)
	b, sink, _ := newTestBridge(t, cmd, nil)

	id, err := b.Dispatch("background", domain.ModeFast)
	if err != nil {
		t.Fatal(err)
	}
	pending := b.Pending()
	if len(pending) != 1 || pending[0].ID != id || pending[0].Task != "background" || pending[0].Mode != domain.ModeFast {
		t.Fatalf("unexpected pending: %+v", pending)
	}

	sink.next(t)
	b.Wait()
	if n := len(b.Pending()); n != 0 {
		t.Fatalf("pending after completion = %d, want 0", n)
	}
}

func TestTailKeepsWholeRunes(t *testing.T) {
	if got := tail("  short  ", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	got := tail("erreur: délai dépassé", 7)
	if got != "...dépassé" {
		t.Fatalf("got %q", got)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("tail split a rune: %q", got)
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	if got := truncate("héllo", 10); got != "héllo" {
		t.Fatalf("short string changed: %q", got)
	}
	if got := truncate("héllo", 2); got != "hé\n\n[... truncated 3 characters]" {
		t.Fatalf("got %q", got)
	}
}
