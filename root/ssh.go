package root

import (
	"context"
	"fmt"

	"github.com/andreittr/btrsync/btrfs"
	"github.com/andreittr/btrsync/cow"
	"github.com/andreittr/btrsync/model"
	"github.com/andreittr/btrsync/proc"
)

// SSH is a btrfs mount on a remote machine, driven through a local ssh
// binary. Every command a Local root would run is wrapped into a single
// remote shell invocation; remote pipelines exist inside that one shell.
type SSH struct {
	mount  string
	target proc.SSHTarget
	sshBin string
	opts   Options
}

func NewSSH(mount string, target proc.SSHTarget, sshBin string, opts Options) (*SSH, error) {
	if target.Host == "" {
		return nil, model.Configf("ssh root: host cannot be empty")
	}
	if sshBin == "" {
		sshBin = "ssh"
	}
	opts.fill()
	return &SSH{mount: mount, target: target, sshBin: sshBin, opts: opts}, nil
}

func (s *SSH) Name() string {
	return fmt.Sprintf("%s:%s", s.target.Address(), s.mount)
}

func (s *SSH) CanSend() bool    { return true }
func (s *SSH) CanReceive() bool { return true }

// wrap turns a local command into its remote equivalent. Wrapping a
// single command cannot fail.
func (s *SSH) wrap(c proc.Cmd) proc.Cmd {
	if s.opts.Sudo {
		c = c.WrapSudo(s.opts.SudoBin)
	}
	wrapped, _ := s.target.Wrap(s.sshBin, c)
	return wrapped
}

func (s *SSH) List(ctx context.Context) ([]cow.Vol, error) {
	return listBtrfs(ctx, s.opts, s.mount, s.wrap)
}

func (s *SSH) Send(vol cow.Vol, parent string, clones []string) (proc.Pipeline, error) {
	cmd, err := sendCmd(s.opts.BtrfsBin, s.mount, vol, parent, clones)
	if err != nil {
		return nil, err
	}
	return proc.NewPipeline(s.wrap(cmd)), nil
}

func (s *SSH) Receive(ctx context.Context, dst string) (proc.Pipeline, proc.StreamSpec, error) {
	tpath, err := subJoin(s.mount, dst)
	if err != nil {
		return nil, proc.StreamSpec{}, err
	}
	if s.opts.CreateDest {
		mkdir := proc.Command("mkdir", "-p", tpath)
		if _, err := s.opts.Runner.Run(ctx, s.wrap(mkdir)); err != nil {
			return nil, proc.StreamSpec{}, err
		}
	}
	recv := btrfs.ReceiveCmd(s.opts.BtrfsBin, tpath)
	return proc.NewPipeline(s.wrap(recv)), proc.Inherit(), nil
}
