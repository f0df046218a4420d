// Package render invokes the external tiling scripts.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/psantana5/sentinel-grab/pkg/logging"
)

// Param is one named script argument
type Param struct {
	Key   string
	Value string
}

// Params keeps arguments in the order they are passed to the script
type Params []Param

// Get returns the value for key
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Args flattens params into -Key value pairs
func (p Params) Args() []string {
	out := make([]string, 0, len(p)*2)
	for _, kv := range p {
		out = append(out, "-"+kv.Key, kv.Value)
	}
	return out
}

// Result captures a finished script run
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports a zero exit code
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner executes a render script. A non-zero exit is a Result, not an error;
// errors mean the script could not be run at all.
type Runner interface {
	Run(ctx context.Context, scriptPath string, params Params) (*Result, error)
}

// DefaultShell and DefaultShellArgs run scripts through PowerShell
var (
	DefaultShell     = "pwsh"
	DefaultShellArgs = []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File"}
)

// ScriptRunner runs scripts as child processes
type ScriptRunner struct {
	Shell     string
	ShellArgs []string
	logger    *logging.Logger
}

// NewScriptRunner creates a runner. Empty shell means DefaultShell with DefaultShellArgs.
func NewScriptRunner(shell string, shellArgs []string, logger *logging.Logger) *ScriptRunner {
	if shell == "" {
		shell = DefaultShell
		shellArgs = DefaultShellArgs
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ScriptRunner{Shell: shell, ShellArgs: shellArgs, logger: logger}
}

// Run executes scriptPath with params and waits for it to exit
func (r *ScriptRunner) Run(ctx context.Context, scriptPath string, params Params) (*Result, error) {
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("script not found: %s: %w", scriptPath, err)
	}

	args := make([]string, 0, len(r.ShellArgs)+1+len(params)*2)
	args = append(args, r.ShellArgs...)
	args = append(args, scriptPath)
	args = append(args, params.Args()...)

	cmd := exec.CommandContext(ctx, r.Shell, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("Starting render script", map[string]interface{}{
		"shell":  r.Shell,
		"script": scriptPath,
	})

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to start %s: %w", r.Shell, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}

// Truncate keeps at most max bytes of s, marking the cut. The cut never
// splits a character and invalid UTF-8 from the script is replaced, so the
// result is always safe to store in a text column.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return strings.ToValidUTF8(s, "\uFFFD")
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return strings.ToValidUTF8(s[:max], "\uFFFD") + "\n...[truncated]"
}
