package root

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/andreittr/btrsync/cow"
	"github.com/andreittr/btrsync/model"
	"github.com/andreittr/btrsync/proc"
)

// StreamSuffix is appended to dump file names; the rest of the file name
// is the subvolume name.
const StreamSuffix = ".btrfs_stream"

// DumpRead is a read-only root backed by raw send-stream dump files: a
// single file, or a directory holding one file per stream.
type DumpRead struct {
	path string

	files map[string]string // vol path -> stream file
}

func NewDumpRead(path string) *DumpRead {
	return &DumpRead{path: path}
}

func (d *DumpRead) Name() string     { return d.path }
func (d *DumpRead) CanSend() bool    { return true }
func (d *DumpRead) CanReceive() bool { return false }

// List derives subvolumes from the dump file names. Dumps carry no UUID
// metadata, so each volume gets a fresh identity; incremental planning
// against a dump source is impossible and rejected in Send.
func (d *DumpRead) List(ctx context.Context) ([]cow.Vol, error) {
	st, err := os.Stat(d.path)
	if err != nil {
		return nil, err
	}
	d.files = make(map[string]string)
	var vols []cow.Vol
	add := func(name, file string) {
		d.files[name] = file
		vols = append(vols, cow.Vol{UUID: uuid.New(), Path: name, ReadOnly: true})
	}
	if !st.IsDir() {
		add(strings.TrimSuffix(filepath.Base(d.path), StreamSuffix), d.path)
		return vols, nil
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), StreamSuffix) {
			continue
		}
		add(strings.TrimSuffix(e.Name(), StreamSuffix), filepath.Join(d.path, e.Name()))
	}
	return vols, nil
}

func (d *DumpRead) Send(vol cow.Vol, parent string, clones []string) (proc.Pipeline, error) {
	if parent != "" || len(clones) > 0 {
		return nil, model.Configf("dump root %s cannot send incrementally", d.path)
	}
	file, ok := d.files[vol.Path]
	if !ok {
		return nil, model.Configf("no dump file for %q in %s", vol.Path, d.path)
	}
	cmd := proc.Command("cat", file)
	cmd.Stdin = proc.Null()
	return proc.NewPipeline(cmd), nil
}

func (d *DumpRead) Receive(ctx context.Context, dst string) (proc.Pipeline, proc.StreamSpec, error) {
	return nil, proc.StreamSpec{}, model.Configf("dump root %s is read-only", d.path)
}

// DumpWrite is a write-only root that saves each send stream to
// <dir>/<subvol-basename>.btrfs_stream, optionally through a user-supplied
// shell pipeline. Existing files are never overwritten.
type DumpWrite struct {
	dir      string
	pipeline proc.Pipeline
	create   bool
}

func NewDumpWrite(dir string, userPipeline proc.Pipeline, createDir bool) *DumpWrite {
	return &DumpWrite{dir: dir, pipeline: userPipeline, create: createDir}
}

func (d *DumpWrite) Name() string     { return d.dir }
func (d *DumpWrite) CanSend() bool    { return false }
func (d *DumpWrite) CanReceive() bool { return true }

func (d *DumpWrite) List(ctx context.Context) ([]cow.Vol, error) { return nil, nil }

func (d *DumpWrite) Send(vol cow.Vol, parent string, clones []string) (proc.Pipeline, error) {
	return nil, model.Configf("dump root %s is write-only", d.dir)
}

func (d *DumpWrite) Receive(ctx context.Context, dst string) (proc.Pipeline, proc.StreamSpec, error) {
	if d.create {
		if err := os.MkdirAll(d.dir, 0o755); err != nil {
			return nil, proc.StreamSpec{}, err
		}
	}
	file := filepath.Join(d.dir, filepath.Base(dst)+StreamSuffix)
	if _, err := os.Lstat(file); err == nil {
		return nil, proc.StreamSpec{}, &model.FilesystemError{Kind: model.FileExists, Path: file}
	}
	sink := proc.File(file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	return d.pipeline, sink, nil
}

// Pipe is a write-only root that forwards the send stream to this
// process's standard output, for piping into other tools.
type Pipe struct{}

func (Pipe) Name() string     { return "-" }
func (Pipe) CanSend() bool    { return false }
func (Pipe) CanReceive() bool { return true }

func (Pipe) List(ctx context.Context) ([]cow.Vol, error) { return nil, nil }

func (Pipe) Send(vol cow.Vol, parent string, clones []string) (proc.Pipeline, error) {
	return nil, model.Configf("pipe root cannot send")
}

func (Pipe) Receive(ctx context.Context, dst string) (proc.Pipeline, proc.StreamSpec, error) {
	return nil, proc.FD(1), nil
}
