package suite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
)

// waitDelay bounds how long a cancelled command may keep its output pipes
// open through orphaned children.
const waitDelay = 2 * time.Second

// CommandError is returned when a shell command exits unsuccessfully.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\nOutput: " + out
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ShellBody returns a test body that runs command with sh -c in dir.
func ShellBody(command, dir string) descriptor.BodyFunc {
	return func(ctx context.Context, tc *descriptor.TestContext) error {
		return RunShell(ctx, command, dir, instanceEnv(tc.Instance))
	}
}

// ShellHook returns a hook that runs command with sh -c in dir.
func ShellHook(command, dir string) descriptor.HookFunc {
	return func(ctx context.Context, hc descriptor.HookContext) error {
		env := []string{
			"KESTREL_SCOPE=" + hc.Scope.String(),
			"KESTREL_SCOPE_KEY=" + hc.Key,
		}
		return RunShell(ctx, command, dir, append(env, instanceEnv(hc.Instance)...))
	}
}

func instanceEnv(inst *descriptor.Instance) []string {
	if inst == nil {
		return nil
	}
	args, err := json.Marshal(inst.Args)
	if err != nil || inst.Args == nil {
		args = []byte("[]")
	}
	return []string{
		"KESTREL_TEST_ID=" + inst.ID,
		"KESTREL_CLASS=" + inst.Descriptor.ClassName,
		"KESTREL_METHOD=" + inst.Descriptor.MethodName,
		"KESTREL_ATTEMPT=" + strconv.Itoa(inst.Attempt()),
		"KESTREL_ARGS=" + string(args),
	}
}

// RunShell executes command via sh -c. A leading "-" ignores a non-zero
// exit. The process is killed when ctx is cancelled.
func RunShell(ctx context.Context, command, dir string, env []string) error {
	cmdStr := strings.TrimSpace(command)
	if cmdStr == "" {
		return nil
	}

	ignoreError := strings.HasPrefix(cmdStr, "-")
	if ignoreError {
		cmdStr = strings.TrimSpace(strings.TrimPrefix(cmdStr, "-"))
	}
	cmdStr = resolveExecutable(cmdStr, dir)

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = waitDelay

	output, err := cmd.CombinedOutput()
	if err == nil || ignoreError {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	cerr := &CommandError{Command: command, ExitCode: -1, Output: string(output), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cerr.ExitCode = exitErr.ExitCode()
	}
	return cerr
}

// resolveExecutable makes a script that lives next to the suite runnable by
// bare name when it is not on PATH.
func resolveExecutable(cmdStr, dir string) string {
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		return cmdStr
	}
	executable := parts[0]
	if strings.HasPrefix(executable, "./") || strings.HasPrefix(executable, "../") || filepath.IsAbs(executable) {
		return cmdStr
	}
	if strings.ContainsAny(executable, "=$'\"") || isInPath(executable) {
		return cmdStr
	}
	potentialPath := filepath.Join(dir, executable)
	if info, err := os.Stat(potentialPath); err == nil && !info.IsDir() {
		return "./" + executable + strings.TrimPrefix(cmdStr, executable)
	}
	return cmdStr
}

// isInPath checks if a command is available in the system PATH
func isInPath(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
