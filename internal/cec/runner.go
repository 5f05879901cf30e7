package cec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultBinary is the libcec command line client
const DefaultBinary = "cec-client"

// ExecRunner pipes commands into a single-shot cec-client process
type ExecRunner struct {
	Binary string
	// Args default to single command mode with traffic logging, so the
	// reply frame shows up next to the command output
	Args []string
}

// NewExecRunner creates a runner invoking binary, or DefaultBinary when empty
func NewExecRunner(binary string) *ExecRunner {
	if binary == "" {
		binary = DefaultBinary
	}
	return &ExecRunner{
		Binary: binary,
		Args:   []string{"-s", "-d", "8"},
	}
}

func (r *ExecRunner) Run(ctx context.Context, commands []string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Binary, r.Args...)
	cmd.Stdin = strings.NewReader(strings.Join(commands, "\n") + "\n")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s: %w (%s)", r.Binary, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
