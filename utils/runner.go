package utils

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/andreittr/btrsync/proc"
)

// Runner executes a single command and returns its standard output.
// For easy mock testing, this is abstracted behind an interface.
type Runner interface {
	Run(ctx context.Context, cmd proc.Cmd) (string, error)
}

// ShellRunner implements Runner using os/exec.
type ShellRunner struct{}

func (r *ShellRunner) Run(ctx context.Context, cmd proc.Cmd) (string, error) {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s: %w: %s", cmd, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
