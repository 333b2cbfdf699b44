package dispatch

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
)

// Command describes one process to run
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Executor runs a command to completion and reports its exit status.
// A non-nil error means the command did not succeed; exitCode is -1 when
// the process could not be started.
type Executor interface {
	Execute(cmd Command) (exitCode int, err error)
}

// ProcessExecutor runs commands as child processes of the daemon
type ProcessExecutor struct {
	// Stdout receives the command's standard output, nil discards it
	Stdout io.Writer
	// Stderr receives the command's standard error, nil discards it
	Stderr io.Writer
}

// Execute starts the process and waits for it to exit. The process is never
// killed by the daemon.
func (e *ProcessExecutor) Execute(c Command) (int, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("exit status %d", exitErr.ExitCode())
	}
	return -1, err
}

// MergeEnv returns base with every key in overrides set to the override value.
// Same-named keys in base are dropped; the rest of base is kept in order.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		merged = append(merged, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		merged = append(merged, k+"="+overrides[k])
	}
	return merged
}
