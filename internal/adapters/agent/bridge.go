// Package agent runs delegated tasks through an external automation agent
// process, in the background, and reports each result to a sink.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const (
	DefaultTimeout   = 300 * time.Second
	DefaultMaxOutput = 4000

	stderrTail = 500
	waitDelay  = 2 * time.Second
)

type Config struct {
	Command   string        `mapstructure:"command"`
	Args      []string      `mapstructure:"args"`
	ModelFlag string        `mapstructure:"model_flag"`
	FastModel string        `mapstructure:"fast_model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxOutput int           `mapstructure:"max_output"`
	TempDir   string        `mapstructure:"temp_dir"`
	WorkDir   string        `mapstructure:"work_dir"`
}

// Bridge owns the in-flight tasks of one call.
type Bridge struct {
	cfg    Config
	sink   core.ResultSink
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[domain.TaskID]domain.PendingTask
	jobs    conc.WaitGroup
}

func NewBridge(cfg Config, sink core.ResultSink) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.ModelFlag == "" {
		cfg.ModelFlag = "--model"
	}
	return &Bridge{
		cfg:     cfg,
		sink:    sink,
		logger:  log.With().Str("module", "agent").Logger(),
		pending: make(map[domain.TaskID]domain.PendingTask),
	}
}

// Dispatch starts the task in the background and returns its id at once.
func (b *Bridge) Dispatch(task string, mode domain.Mode) (domain.TaskID, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return "", fmt.Errorf("%w: empty task", domain.ErrToolDispatch)
	}

	pt := domain.PendingTask{
		ID:        domain.NewTaskID(),
		Task:      task,
		Mode:      mode,
		StartedAt: time.Now(),
	}
	b.mu.Lock()
	b.pending[pt.ID] = pt
	b.mu.Unlock()

	b.logger.Info().Str("task_id", string(pt.ID)).Str("mode", string(mode)).Msg("dispatched")
	b.jobs.Go(func() { b.runJob(pt) })
	return pt.ID, nil
}

// Pending lists the tasks still running.
func (b *Bridge) Pending() []domain.PendingTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.PendingTask, 0, len(b.pending))
	for _, pt := range b.pending {
		out = append(out, pt)
	}
	return out
}

// Wait blocks until every dispatched job has reported.
func (b *Bridge) Wait() {
	b.jobs.Wait()
}

func (b *Bridge) runJob(pt domain.PendingTask) {
	var res domain.ToolResult
	var pc panics.Catcher
	pc.Try(func() { res = b.run(context.Background(), pt) })
	if r := pc.Recovered(); r != nil {
		b.logger.Error().Str("task_id", string(pt.ID)).Str("panic", fmt.Sprint(r.Value)).Msg("job panicked")
		res = domain.ToolResult{
			TaskID:   pt.ID,
			Error:    fmt.Sprintf("%v: internal failure: %v", domain.ErrToolDispatch, r.Value),
			Duration: time.Since(pt.StartedAt),
		}
	}

	b.mu.Lock()
	delete(b.pending, pt.ID)
	b.mu.Unlock()

	if res.Success {
		b.logger.Info().Str("task_id", string(pt.ID)).Dur("took", res.Duration).Msg("task done")
	} else {
		b.logger.Warn().Str("task_id", string(pt.ID)).Str("error", res.Error).Msg("task failed")
	}
	if b.sink != nil {
		b.sink.DeliverResult(res)
	}
}

// responsePath is where the agent is asked to leave its final answer.
func (b *Bridge) responsePath(id domain.TaskID) string {
	return filepath.Join(b.cfg.TempDir, "subagent-"+string(id)+".md")
}

func (b *Bridge) prompt(task, path string) string {
	return task + "\n\nWhen you are done, write your final answer for the caller " +
		"(a short, spoken-style summary) to the file " + path +
		". Only that file is read back."
}

func (b *Bridge) args(task, path string, mode domain.Mode) []string {
	args := append([]string(nil), b.cfg.Args...)
	if mode == domain.ModeFast && b.cfg.FastModel != "" {
		args = append(args, b.cfg.ModelFlag, b.cfg.FastModel)
	}
	return append(args, b.prompt(task, path))
}

// run executes one task synchronously. The response file never outlives it.
func (b *Bridge) run(ctx context.Context, pt domain.PendingTask) domain.ToolResult {
	path := b.responsePath(pt.ID)
	defer os.Remove(path)

	res := domain.ToolResult{TaskID: pt.ID}
	out, err := b.exec(ctx, b.args(pt.Task, path, pt.Mode))
	res.Duration = time.Since(pt.StartedAt)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	if data, err := os.ReadFile(path); err == nil && len(bytes.TrimSpace(data)) > 0 {
		out = data
	}
	res.Success = true
	res.Output = truncate(strings.TrimSpace(string(out)), b.cfg.MaxOutput)
	return res
}

func (b *Bridge) exec(ctx context.Context, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.cfg.Command, args...)
	cmd.Dir = b.cfg.WorkDir
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: timed out after %s", domain.ErrToolDispatch, b.cfg.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return nil, fmt.Errorf("%w: agent command %q not found", domain.ErrToolDispatch, b.cfg.Command)
		case errors.As(err, &exitErr):
			return nil, fmt.Errorf("%w: agent exited with code %d: %s",
				domain.ErrToolDispatch, exitErr.ExitCode(), tail(stderr.String(), stderrTail))
		default:
			return nil, fmt.Errorf("%w: %v", domain.ErrToolDispatch, err)
		}
	}
	return stdout.Bytes(), nil
}

// truncate caps s at max runes and notes how much was cut.
func truncate(s string, max int) string {
	n := utf8.RuneCountInString(s)
	if n <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + fmt.Sprintf("\n\n[... truncated %d characters]", n-max)
}

// tail keeps the last max runes of s.
func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n <= max {
		return s
	}
	r := []rune(s)
	return "..." + string(r[n-max:])
}
