package executor

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// destructivePatterns screen system_command actions. A match rejects the
// command outright before execution.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\b`),
	regexp.MustCompile(`\brm\s+-[rf]+\s+/(\s|$)`),
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/[sh]d[a-z]`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff|halt)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)?777\s+/(\s|$)`),
}

// CommandRunner executes screened, time-bounded shell commands with
// captured output.
type CommandRunner struct {
	timeout  time.Duration
	denylist []*regexp.Regexp
}

// NewCommandRunner builds a runner. Extra denylist patterns from
// configuration are compiled on top of the built-in destructive set.
func NewCommandRunner(timeout time.Duration, extraDenylist []string) (*CommandRunner, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	denylist := make([]*regexp.Regexp, 0, len(destructivePatterns)+len(extraDenylist))
	denylist = append(denylist, destructivePatterns...)
	for _, pattern := range extraDenylist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile denylist pattern %q: %w", pattern, err)
		}
		denylist = append(denylist, re)
	}
	return &CommandRunner{timeout: timeout, denylist: denylist}, nil
}

// Screen reports an error when the command matches a denylist pattern.
func (r *CommandRunner) Screen(command string) error {
	for _, re := range r.denylist {
		if re.MatchString(command) {
			return fmt.Errorf("command rejected by denylist: %q", command)
		}
	}
	return nil
}

// Run screens, executes, and captures the command's combined output.
// Execution is bounded by the configured timeout.
func (r *CommandRunner) Run(ctx context.Context, command string) (string, error) {
	if err := r.Screen(command); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("command timed out after %s", r.timeout)
	}
	if err != nil {
		return string(out), fmt.Errorf("command failed: %w", err)
	}
	return string(out), nil
}
