package root

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/andreittr/btrsync/btrfs"
	"github.com/andreittr/btrsync/cow"
	"github.com/andreittr/btrsync/model"
	"github.com/andreittr/btrsync/proc"
	"github.com/andreittr/btrsync/utils"
)

// Options configures command execution for btrfs-backed roots.
type Options struct {
	Sudo       bool
	BtrfsBin   string
	SudoBin    string
	CreateDest bool
	Runner     utils.Runner
	Log        *zerolog.Logger
}

func (o *Options) fill() {
	if o.BtrfsBin == "" {
		o.BtrfsBin = "btrfs"
	}
	if o.SudoBin == "" {
		o.SudoBin = "sudo"
	}
	if o.Runner == nil {
		o.Runner = &utils.ShellRunner{}
	}
	if o.Log == nil {
		o.Log = &log.Logger
	}
}

// Local is a btrfs mount on this machine.
type Local struct {
	mount string
	opts  Options
}

func NewLocal(mount string, opts Options) *Local {
	opts.fill()
	return &Local{mount: mount, opts: opts}
}

func (l *Local) Name() string     { return l.mount }
func (l *Local) CanSend() bool    { return true }
func (l *Local) CanReceive() bool { return true }

func (l *Local) wrap(c proc.Cmd) proc.Cmd {
	if l.opts.Sudo {
		return c.WrapSudo(l.opts.SudoBin)
	}
	return c
}

func (l *Local) List(ctx context.Context) ([]cow.Vol, error) {
	return listBtrfs(ctx, l.opts, l.mount, l.wrap)
}

func (l *Local) Send(vol cow.Vol, parent string, clones []string) (proc.Pipeline, error) {
	cmd, err := sendCmd(l.opts.BtrfsBin, l.mount, vol, parent, clones)
	if err != nil {
		return nil, err
	}
	return proc.NewPipeline(l.wrap(cmd)), nil
}

func (l *Local) Receive(ctx context.Context, dst string) (proc.Pipeline, proc.StreamSpec, error) {
	tpath, err := subJoin(l.mount, dst)
	if err != nil {
		return nil, proc.StreamSpec{}, err
	}
	if l.opts.CreateDest {
		if err := os.MkdirAll(tpath, 0o755); err != nil {
			return nil, proc.StreamSpec{}, err
		}
	}
	return proc.NewPipeline(l.wrap(btrfs.ReceiveCmd(l.opts.BtrfsBin, tpath))), proc.Inherit(), nil
}

// listBtrfs enumerates subvolumes of a btrfs mount: a full filesystem
// listing for parentage plus a readonly-only listing to mark what is
// eligible to send. wrap adapts each command for the execution context
// (sudo, ssh).
func listBtrfs(ctx context.Context, opts Options, mount string, wrap func(proc.Cmd) proc.Cmd) ([]cow.Vol, error) {
	showOut, err := opts.Runner.Run(ctx, wrap(btrfs.ShowCmd(opts.BtrfsBin, mount)))
	if err != nil {
		return nil, err
	}
	fsPath, err := btrfs.ParseShowPath(showOut)
	if err != nil {
		return nil, err
	}

	allOut, err := opts.Runner.Run(ctx, wrap(btrfs.ListCmd(opts.BtrfsBin, mount)))
	if err != nil {
		return nil, err
	}
	vols, err := btrfs.ParseList(allOut)
	if err != nil {
		return nil, err
	}

	roOut, err := opts.Runner.Run(ctx, wrap(btrfs.ListReadonlyCmd(opts.BtrfsBin, mount)))
	if err != nil {
		return nil, err
	}
	roVols, err := btrfs.ParseList(roOut)
	if err != nil {
		return nil, err
	}
	ro := make(map[uuid.UUID]bool, len(roVols))
	for _, v := range roVols {
		ro[v.UUID] = true
	}

	out := make([]cow.Vol, 0, len(vols))
	for _, v := range vols {
		rel, inScope := relToMount(v.Path, fsPath)
		v.Path = rel
		// subvolumes outside the mount's subtree stay in the listing to
		// resolve parentage, but cannot be sent from here
		v.ReadOnly = ro[v.UUID] && inScope
		out = append(out, v)
	}
	opts.Log.Debug().Str("mount", mount).Int("subvolumes", len(out)).Msg("listed subvolumes")
	return out, nil
}

// relToMount turns a listing path into a mount-relative one. fsPath is the
// mount's own path within the filesystem ("/" for the toplevel volume).
func relToMount(p, fsPath string) (string, bool) {
	p = strings.TrimPrefix(p, btrfs.FSTree+"/")
	p = strings.TrimPrefix(p, btrfs.FSTree)
	base := strings.Trim(fsPath, "/")
	if base == "" {
		return p, p != ""
	}
	if rest, ok := strings.CutPrefix(p, base+"/"); ok {
		return rest, true
	}
	return p, false
}

func sendCmd(bin, mount string, vol cow.Vol, parent string, clones []string) (proc.Cmd, error) {
	vp, err := subJoin(mount, vol.Path)
	if err != nil {
		return proc.Cmd{}, err
	}
	pp := ""
	if parent != "" {
		if pp, err = subJoin(mount, parent); err != nil {
			return proc.Cmd{}, err
		}
	}
	cps := make([]string, 0, len(clones))
	for _, c := range clones {
		cp, err := subJoin(mount, c)
		if err != nil {
			return proc.Cmd{}, err
		}
		cps = append(cps, cp)
	}
	cmd := btrfs.SendCmd(bin, vp, pp, cps)
	cmd.Stdin = proc.Null()
	return cmd, nil
}

// subJoin joins a root-relative path onto base, rejecting absolute paths
// and paths that escape base.
func subJoin(base, rel string) (string, error) {
	if path.IsAbs(rel) || rel == ".." || strings.HasPrefix(path.Clean(rel), "../") {
		return "", model.Configf("path %q must be relative and stay below its root", rel)
	}
	return path.Join(base, rel), nil
}
