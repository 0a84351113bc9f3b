package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
)

// logCaptureLimit bounds how much stdout/stderr reaches the logs. The exit
// code stays authoritative regardless of truncation.
const logCaptureLimit = 4 * 1024

// ToolFailure is a non-zero exit from an external tool.
type ToolFailure struct {
	Program  string
	ExitCode int
	Stderr   string
}

func (e *ToolFailure) Error() string {
	return fmt.Sprintf("tool %s exited %d: %s", e.Program, e.ExitCode, e.Stderr)
}

// TimeoutError is a tool run that exceeded its budget and was killed.
type TimeoutError struct {
	Program string
	Seconds float64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %.0fs", e.Program, e.Seconds)
}

// Result carries the captured output of a successful run.
type Result struct {
	Stdout string
	Stderr string
}

var secretArgKeys = map[string]bool{
	"--api-key":  true,
	"--token":    true,
	"--secret":   true,
	"--password": true,
}

var secretValueRe = regexp.MustCompile(`(?i)(api_?key|token|secret|password)=`)

// Runner invokes named executables from a fixed tools directory. Runs happen
// on the calling goroutine; callers are expected to already be off the
// scheduler's claim loop.
type Runner struct {
	log      *logger.Logger
	toolsDir string
}

// NewRunner resolves toolsDir to an absolute path; the directory must exist.
func NewRunner(toolsDir string, log *logger.Logger) (*Runner, error) {
	abs, err := filepath.Abs(toolsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve tools dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat tools dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tools dir %q is not a directory: %w", abs, pkgerrors.ErrInvalidArgument)
	}
	return &Runner{
		log:      log.With("service", "ToolRunner"),
		toolsDir: abs,
	}, nil
}

// Run executes program with args under timeout. Exit 0 returns the captured
// output; any other exit returns *ToolFailure; exceeding the budget kills the
// process and returns *TimeoutError.
func (r *Runner) Run(ctx context.Context, program string, args []string, timeout time.Duration) (*Result, error) {
	path, err := r.resolve(program)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, path, args...)
	// Tools may fork helpers that inherit the output pipes. Kill the whole
	// process group on timeout, or Wait blocks until the orphan exits; the
	// WaitDelay backstop covers children that escaped the group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	r.log.Info("Running tool", "program", program, "args", RedactArgs(args), "timeout", timeout)
	runErr := cmd.Run()
	elapsed := time.Since(start)

	outStr := lossyUTF8(stdout.Bytes())
	errStr := lossyUTF8(stderr.Bytes())

	if runCtx.Err() == context.DeadlineExceeded {
		r.log.Warn("Tool timed out",
			"program", program,
			"elapsed", elapsed,
			"stderr", truncateForLog(errStr),
		)
		return nil, &TimeoutError{Program: program, Seconds: timeout.Seconds()}
	}
	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.log.Warn("Tool failed",
			"program", program,
			"exit_code", exitCode,
			"elapsed", elapsed,
			"stderr", truncateForLog(errStr),
		)
		return nil, &ToolFailure{Program: program, ExitCode: exitCode, Stderr: errStr}
	}

	r.log.Info("Tool succeeded",
		"program", program,
		"elapsed", elapsed,
		"stdout", truncateForLog(outStr),
	)
	return &Result{Stdout: outStr, Stderr: errStr}, nil
}

// resolve maps a program name to an executable inside the tools directory and
// rejects anything that would resolve outside it.
func (r *Runner) resolve(program string) (string, error) {
	if program == "" || program != filepath.Base(program) {
		return "", fmt.Errorf("tool name %q: %w", program, pkgerrors.ErrInvalidArgument)
	}
	path := filepath.Join(r.toolsDir, program)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("tool %q: %w", program, pkgerrors.ErrNotFound)
	}
	rel, err := filepath.Rel(r.toolsDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("tool %q resolves outside tools dir: %w", program, pkgerrors.ErrPathEscape)
	}
	return path, nil
}

// RedactArgs replaces secret-bearing argument values with [REDACTED]. An
// argument is secret-bearing when it follows one of the known secret flags or
// when its value looks like key=value with a secret key.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	redactNext := false
	for i, arg := range args {
		switch {
		case redactNext:
			out[i] = "[REDACTED]"
			redactNext = false
		case secretArgKeys[arg]:
			out[i] = arg
			redactNext = true
		case isSecretAssignment(arg):
			out[i] = "[REDACTED]"
		default:
			out[i] = arg
		}
	}
	return out
}

func isSecretAssignment(arg string) bool {
	// Covers both `--api-key=value` and bare `token=value` forms.
	if eq := strings.IndexByte(arg, '='); eq >= 0 {
		key := strings.TrimLeft(arg[:eq], "-")
		if secretArgKeys["--"+key] {
			return true
		}
	}
	return secretValueRe.MatchString(arg)
}

func lossyUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

func truncateForLog(s string) string {
	if len(s) <= logCaptureLimit {
		return s
	}
	return s[:logCaptureLimit] + "...[truncated]"
}
