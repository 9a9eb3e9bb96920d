package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"go-kestrel/internal/scheduler/models"
)

const (
	// executionIDEnvVar lets the child process report progress against its
	// own execution through the API
	executionIDEnvVar = "KESTREL_EXECUTION_ID"

	defaultPollInterval = 2 * time.Second

	// stderrTailLimit bounds the stderr excerpt carried in the result
	stderrTailLimit = 500
)

// ScriptRunner executes external commands declared in task config. It
// streams output lines into the structured log, polls the control flags
// through the progress callback, and enforces the per-task timeout.
type ScriptRunner struct {
	defaultTimeout time.Duration
	pollInterval   time.Duration
	projectRoot    string
}

// NewScriptRunner creates a runner with the given default command timeout
func NewScriptRunner(defaultTimeout time.Duration) *ScriptRunner {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}
	return &ScriptRunner{
		defaultTimeout: defaultTimeout,
		pollInterval:   defaultPollInterval,
		projectRoot:    root,
	}
}

// Execute runs the task's command to completion, killing it on timeout or
// terminate. The returned result is a bounded envelope, never raw output.
func (s *ScriptRunner) Execute(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
	command, ok := task.Command()
	if !ok {
		return nil, fmt.Errorf("%w: task %q has no command configured", ErrValidation, task.Name)
	}

	tokens, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse command %q: %v", ErrValidation, command, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: command is empty", ErrValidation)
	}

	timeout := s.defaultTimeout
	if configured := task.TimeoutSeconds(); configured > 0 {
		timeout = time.Duration(configured) * time.Second
	}

	workDir := s.workDir(tokens[0])

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, tokens[0], tokens[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", executionIDEnvVar, execution.ID))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	logger := slog.With(
		slog.String("task_id", task.ID),
		slog.String("execution_id", execution.ID),
		slog.String("command", tokens[0]))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	var outputWg sync.WaitGroup
	var stderrTail strings.Builder
	var tailMu sync.Mutex

	outputWg.Add(2)
	go func() {
		defer outputWg.Done()
		s.streamOutput(stdout, logger, false, nil, nil)
	}()
	go func() {
		defer outputWg.Done()
		s.streamOutput(stderr, logger, true, &stderrTail, &tailMu)
	}()

	done := make(chan error, 1)
	go func() {
		outputWg.Wait()
		done <- cmd.Wait()
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var runErr error
	var terminated, timedOut bool

waitLoop:
	for {
		select {
		case runErr = <-done:
			break waitLoop
		case <-ticker.C:
			if time.Since(start) > timeout {
				timedOut = true
				cancel()
				runErr = <-done
				break waitLoop
			}
			// Progress checkpoint: persists elapsed state and observes
			// pause/terminate. Pausing a command blocks this loop, which
			// intentionally does not suspend the process itself.
			if err := progress(ctx, ProgressUpdate{}); err != nil {
				if errors.Is(err, ErrTerminateRequested) {
					terminated = true
					cancel()
					runErr = <-done
					break waitLoop
				}
			}
		case <-ctx.Done():
			terminated = true
			cancel()
			runErr = <-done
			break waitLoop
		}
	}

	duration := time.Since(start)
	exitCode := cmd.ProcessState.ExitCode()

	tailMu.Lock()
	errTail := stderrTail.String()
	tailMu.Unlock()

	result := models.Result{
		"command":          command,
		"work_dir":         workDir,
		"exit_code":        exitCode,
		"duration_seconds": duration.Seconds(),
		"success":          runErr == nil && !terminated && !timedOut,
	}
	// Stderr noise from a successful run stays in the log only; the excerpt
	// is attached when the run actually went wrong.
	switch {
	case timedOut:
		if errTail != "" {
			result["error_summary"] = errTail
		}
		result["message"] = fmt.Sprintf("command killed after exceeding timeout of %s", timeout)
		return result, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
	case terminated:
		if errTail != "" {
			result["error_summary"] = errTail
		}
		result["message"] = "command killed by terminate request"
		return result, ErrTerminateRequested
	case runErr != nil:
		if errTail != "" {
			result["error_summary"] = errTail
		}
		result["message"] = fmt.Sprintf("command exited with code %d", exitCode)
		return result, fmt.Errorf("command failed: %w", runErr)
	}

	result["message"] = "command completed"
	return result, nil
}

// workDir resolves the working directory rule: run from the script's own
// directory when the script path exists, otherwise from the project root.
func (s *ScriptRunner) workDir(program string) string {
	if dir := filepath.Dir(program); dir != "." && dir != string(filepath.Separator) {
		if info, err := os.Stat(program); err == nil && !info.IsDir() {
			return dir
		}
	}
	return s.projectRoot
}

// streamOutput relogs each child output line at an inferred level and,
// for stderr, keeps a bounded tail for the result envelope.
func (s *ScriptRunner) streamOutput(r io.Reader, logger *slog.Logger, isStderr bool, tail *strings.Builder, tailMu *sync.Mutex) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if isStderr && tail != nil {
			tailMu.Lock()
			if remaining := stderrTailLimit - tail.Len(); remaining > 0 {
				if len(line) >= remaining {
					tail.WriteString(line[:remaining])
				} else {
					tail.WriteString(line)
					tail.WriteString("\n")
				}
			}
			tailMu.Unlock()
		}

		switch inferLogLevel(line, isStderr) {
		case slog.LevelError:
			logger.Error(line)
		case slog.LevelWarn:
			logger.Warn(line)
		case slog.LevelDebug:
			logger.Debug(line)
		default:
			logger.Info(line)
		}
	}
}

// inferLogLevel maps a child output line onto a log level by marker words
func inferLogLevel(line string, isStderr bool) slog.Level {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "ERROR") || strings.Contains(upper, "FATAL") || strings.Contains(upper, "CRITICAL"):
		return slog.LevelError
	case strings.Contains(upper, "WARN"):
		return slog.LevelWarn
	case strings.Contains(upper, "DEBUG") || strings.Contains(upper, "TRACE"):
		return slog.LevelDebug
	case isStderr:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
