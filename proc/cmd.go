// Package proc models external commands as values that can be composed
// into pipelines and wrapped by sudo or a remote shell before execution.
package proc

import (
	"os"
	"strconv"

	"github.com/andreittr/btrsync/model"
)

// StreamKind selects how a command's stdin, stdout, or stderr is routed.
type StreamKind int

const (
	StreamInherit StreamKind = iota
	StreamNull
	StreamPipe
	StreamFD
	StreamFile
)

// StreamSpec describes one standard stream of a command.
type StreamSpec struct {
	Kind  StreamKind
	FD    int
	Path  string
	Flags int
	Perm  os.FileMode
}

func Inherit() StreamSpec { return StreamSpec{Kind: StreamInherit} }
func Null() StreamSpec    { return StreamSpec{Kind: StreamNull} }
func Pipe() StreamSpec    { return StreamSpec{Kind: StreamPipe} }
func FD(n int) StreamSpec { return StreamSpec{Kind: StreamFD, FD: n} }

func File(path string, flags int, perm os.FileMode) StreamSpec {
	return StreamSpec{Kind: StreamFile, Path: path, Flags: flags, Perm: perm}
}

// Cmd is an immutable description of an external command invocation.
type Cmd struct {
	Path   string
	Args   []string
	Env    []string
	Stdin  StreamSpec
	Stdout StreamSpec
	Stderr StreamSpec
}

// Command builds a Cmd with all streams inherited.
func Command(path string, args ...string) Cmd {
	return Cmd{Path: path, Args: args}
}

// Argv returns the full argument vector, program included.
func (c Cmd) Argv() []string {
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Path)
	return append(argv, c.Args...)
}

// String renders the command as a shell-quoted string.
func (c Cmd) String() string {
	return ShellJoin(c.Argv())
}

// WrapSudo prefixes the command with a non-interactive sudo invocation.
func (c Cmd) WrapSudo(sudoBin string) Cmd {
	out := c
	out.Path = sudoBin
	out.Args = append([]string{"-n", c.Path}, c.Args...)
	return out
}

// Pipeline is a sequence of commands whose adjacent stdout/stdin are
// connected at spawn time.
type Pipeline []Cmd

// NewPipeline connects cmds into a local pipeline: every non-final stage's
// stdout feeds the next stage's stdin.
func NewPipeline(cmds ...Cmd) Pipeline {
	p := make(Pipeline, len(cmds))
	copy(p, cmds)
	for i := range p {
		if i > 0 {
			p[i].Stdin = Pipe()
		}
		if i < len(p)-1 {
			p[i].Stdout = Pipe()
		}
	}
	return p
}

// WrapSudo returns a pipeline with every stage prefixed by sudo.
func (p Pipeline) WrapSudo(sudoBin string) Pipeline {
	out := make(Pipeline, len(p))
	for i, c := range p {
		out[i] = c.WrapSudo(sudoBin)
	}
	return out
}

// SSHTarget identifies a remote shell endpoint.
type SSHTarget struct {
	User string
	Host string
	Port int
}

// Address returns the [user@]host form accepted by ssh.
func (t SSHTarget) Address() string {
	if t.User != "" {
		return t.User + "@" + t.Host
	}
	return t.Host
}

// Wrap composes cmds into a single remote shell command executed over ssh.
// Multiple cmds become a remote shell pipeline; pipes between them exist
// inside the remote shell, not as local file descriptors.
func (t SSHTarget) Wrap(sshBin string, cmds ...Cmd) (Cmd, error) {
	if len(cmds) == 0 {
		return Cmd{}, model.Configf("ssh wrap: empty command list")
	}
	remote := ""
	for i, c := range cmds {
		if i > 0 {
			remote += " | "
		}
		remote += c.String()
	}
	args := []string{}
	if t.Port != 0 {
		args = append(args, "-p", strconv.Itoa(t.Port))
	}
	args = append(args, t.Address(), remote)
	return Cmd{Path: sshBin, Args: args}, nil
}

// WrapSSH wraps a single-stage pipeline for remote execution. Wrapping an
// already-piped local pipeline is ill-defined: the local pipe specs cannot
// be reproduced inside a remote shell string, so it is rejected. Remote
// pipelines are built with SSHTarget.Wrap instead.
func (p Pipeline) WrapSSH(sshBin string, t SSHTarget) (Cmd, error) {
	if len(p) != 1 {
		return Cmd{}, model.Configf("cannot ssh-wrap a local pipeline of %d stages", len(p))
	}
	return t.Wrap(sshBin, p[0])
}
