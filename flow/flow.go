// Package flow materializes a command pipeline into running processes and
// pumps the send stream between them until completion or failure.
package flow

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/andreittr/btrsync/model"
	"github.com/andreittr/btrsync/proc"
)

const (
	defaultBufSize  = 1 << 20
	defaultGrace    = 5 * time.Second
	stderrTailLimit = 16 << 10
)

// Flow runs a pipeline of stages connected by OS pipes. The first stage
// produces the send stream; the last stage consumes it, or Sink names
// where the final stdout goes when the consumer is a file or an inherited
// descriptor.
type Flow struct {
	Stages proc.Pipeline
	// Sink is the disposition of the final stage's stdout.
	Sink proc.StreamSpec
	// BufSize is the chunk size of the byte pump.
	BufSize int
	// Grace bounds the wait for stages to drain after a failure or
	// cancellation, before SIGTERM and then SIGKILL.
	Grace time.Duration
	// Progress, if set, receives the cumulative byte count of the pump.
	// Setting it forces the stream through a pump at the producer
	// boundary even when stages could be connected directly.
	Progress func(total int64)
	Log      zerolog.Logger
}

// Run spawns all stages, moves bytes, and waits for every stage to exit.
// The error return is reserved for flow-level failures (spawn errors,
// sink pre-flight, cancellation); per-stage nonzero exits are reported in
// the Result.
func (f *Flow) Run(ctx context.Context) (*Result, error) {
	if len(f.Stages) == 0 {
		return nil, model.Configf("flow has no stages")
	}

	r := &run{
		flow:  f,
		grace: f.Grace,
		tails: make([]*tail, len(f.Stages)),
		cmds:  make([]*exec.Cmd, len(f.Stages)),
	}
	if r.grace <= 0 {
		r.grace = defaultGrace
	}

	if err := r.wire(); err != nil {
		r.closeChildFds()
		r.closePumps()
		return nil, err
	}
	if err := r.spawn(); err != nil {
		r.closePumps()
		return nil, err
	}
	return r.wait(ctx)
}

type pumpPair struct {
	in, out *os.File
	count   bool
}

type run struct {
	flow  *Flow
	grace time.Duration

	cmds  []*exec.Cmd
	tails []*tail

	// parent-side copies of child descriptors, closed after spawn
	childFds []*os.File
	pumps    []pumpPair
	tailWg   sync.WaitGroup

	bytes int64
	mu    sync.Mutex
}

func (r *run) bufSize() int {
	if r.flow.BufSize > 0 {
		return r.flow.BufSize
	}
	return defaultBufSize
}

// wire builds exec.Cmd values with stdin/stdout/stderr descriptors for
// every stage, creating the connecting pipes and any pumps.
func (r *run) wire() error {
	stages := r.flow.Stages
	// every exec.Cmd must exist before wiring: connect(i) also sets the
	// stdin of stage i+1
	for i, st := range stages {
		cmd := exec.Command(st.Path, st.Args...)
		if len(st.Env) > 0 {
			cmd.Env = append(os.Environ(), st.Env...)
		}
		r.cmds[i] = cmd
	}
	for i, st := range stages {
		cmd := r.cmds[i]

		r.tails[i] = newTail(stderrTailLimit)
		errR, errW, err := os.Pipe()
		if err != nil {
			return &model.SpawnError{Stage: i, Cmd: st.String(), Err: err}
		}
		cmd.Stderr = errW
		r.childFds = append(r.childFds, errW)
		r.tailWg.Add(1)
		go func(t *tail, rd *os.File) {
			defer r.tailWg.Done()
			_, _ = io.Copy(t, rd)
			rd.Close()
		}(r.tails[i], errR)

		if i == 0 {
			if err := r.setStdin(cmd, st.Stdin); err != nil {
				return err
			}
		}
		if i < len(stages)-1 {
			if err := r.connect(i); err != nil {
				return err
			}
		} else if err := r.setSink(cmd, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) setStdin(cmd *exec.Cmd, spec proc.StreamSpec) error {
	switch spec.Kind {
	case proc.StreamInherit:
		cmd.Stdin = os.Stdin
	case proc.StreamNull:
		// exec defaults stdin to /dev/null
	case proc.StreamFD:
		fd, err := unix.Dup(spec.FD)
		if err != nil {
			return &model.SpawnError{Stage: 0, Cmd: cmd.String(), Err: err}
		}
		fl := os.NewFile(uintptr(fd), "stdin")
		cmd.Stdin = fl
		r.childFds = append(r.childFds, fl)
	case proc.StreamFile:
		fl, err := os.OpenFile(spec.Path, spec.Flags, spec.Perm)
		if err != nil {
			return &model.SpawnError{Stage: 0, Cmd: cmd.String(), Err: err}
		}
		cmd.Stdin = fl
		r.childFds = append(r.childFds, fl)
	default:
		return model.Configf("unsupported stdin spec for stage 0")
	}
	return nil
}

// connect links stage i's stdout to stage i+1's stdin, inserting a pump
// after the producer stage when progress accounting is requested.
func (r *run) connect(i int) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return &model.SpawnError{Stage: i, Cmd: r.flow.Stages[i].String(), Err: err}
	}
	r.cmds[i].Stdout = pw
	r.childFds = append(r.childFds, pw)

	if i == 0 && r.flow.Progress != nil {
		nr, nw, err := os.Pipe()
		if err != nil {
			pr.Close()
			return &model.SpawnError{Stage: i, Cmd: r.flow.Stages[i].String(), Err: err}
		}
		r.pumps = append(r.pumps, pumpPair{in: pr, out: nw, count: true})
		r.cmds[i+1].Stdin = nr
		r.childFds = append(r.childFds, nr)
	} else {
		r.cmds[i+1].Stdin = pr
		r.childFds = append(r.childFds, pr)
	}
	return nil
}

// setSink routes the final stage's stdout per the flow's sink spec. File
// and FD sinks go through a pump so that splice bridging and byte
// accounting apply; inherit and null attach directly.
func (r *run) setSink(cmd *exec.Cmd, i int) error {
	sink := r.flow.Sink
	switch sink.Kind {
	case proc.StreamInherit:
		cmd.Stdout = os.Stdout
		return nil
	case proc.StreamNull:
		return nil
	case proc.StreamFD, proc.StreamFile:
	default:
		return model.Configf("unsupported sink spec")
	}

	var out *os.File
	if sink.Kind == proc.StreamFD {
		fd, err := unix.Dup(sink.FD)
		if err != nil {
			return &model.SpawnError{Stage: i, Cmd: cmd.String(), Err: err}
		}
		out = os.NewFile(uintptr(fd), "sink")
	} else {
		fl, err := os.OpenFile(sink.Path, sink.Flags, sink.Perm)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return &model.FilesystemError{Kind: model.FileExists, Path: sink.Path}
			}
			return &model.SpawnError{Stage: i, Cmd: cmd.String(), Err: err}
		}
		out = fl
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		out.Close()
		return &model.SpawnError{Stage: i, Cmd: cmd.String(), Err: err}
	}
	cmd.Stdout = pw
	r.childFds = append(r.childFds, pw)
	r.pumps = append(r.pumps, pumpPair{in: pr, out: out, count: len(r.pumps) == 0})
	return nil
}

func (r *run) spawn() error {
	for i, cmd := range r.cmds {
		if err := cmd.Start(); err != nil {
			for _, started := range r.cmds[:i] {
				_ = started.Process.Signal(syscall.SIGTERM)
			}
			r.closeChildFds()
			for _, started := range r.cmds[:i] {
				_ = started.Wait()
			}
			return &model.SpawnError{Stage: i, Cmd: r.flow.Stages[i].String(), Err: err}
		}
	}
	// parent-side copies of the children's descriptors are no longer needed
	r.closeChildFds()
	return nil
}

func (r *run) wait(ctx context.Context) (*Result, error) {
	res := &Result{Stages: make([]StageResult, len(r.cmds))}
	exits := make([]int, len(r.cmds))

	allDone := make(chan struct{})
	firstFail := make(chan struct{})
	var failOnce sync.Once

	var eg errgroup.Group
	for _, p := range r.pumps {
		eg.Go(func() error {
			r.pump(p)
			return nil
		})
	}
	for i, cmd := range r.cmds {
		eg.Go(func() error {
			exits[i] = exitCode(cmd.Wait())
			if exits[i] != 0 {
				failOnce.Do(func() { close(firstFail) })
			}
			return nil
		})
	}

	cancelled := make(chan bool, 1)
	go r.supervise(ctx, allDone, firstFail, cancelled)

	_ = eg.Wait()
	r.tailWg.Wait()
	close(allDone)

	select {
	case c := <-cancelled:
		res.Cancelled = c
	default:
	}
	r.mu.Lock()
	res.Bytes = r.bytes
	r.mu.Unlock()
	for i := range r.cmds {
		res.Stages[i] = StageResult{
			Cmd:       r.flow.Stages[i].String(),
			ExitCode:  exits[i],
			Stderr:    r.tails[i].String(),
			Truncated: r.tails[i].Truncated(),
		}
	}
	if res.Cancelled {
		return res, model.ErrCancelled
	}
	return res, nil
}

// supervise escalates shutdown on cancellation or after a stage failure:
// let survivors drain for the grace period, then SIGTERM, then SIGKILL.
func (r *run) supervise(ctx context.Context, allDone, firstFail <-chan struct{}, cancelled chan<- bool) {
	select {
	case <-allDone:
		return
	case <-ctx.Done():
		cancelled <- true
		r.breakStream()
	case <-firstFail:
	}
	select {
	case <-allDone:
		return
	case <-time.After(r.grace):
	}
	r.signalAll(syscall.SIGTERM)
	select {
	case <-allDone:
		return
	case <-time.After(r.grace):
	}
	r.signalAll(syscall.SIGKILL)
}

// breakStream shuts the stream at the earliest point the parent still
// owns, so the producer's next write fails with EPIPE. Without a pump the
// producer is signalled directly.
func (r *run) breakStream() {
	if len(r.pumps) > 0 {
		r.pumps[0].in.Close()
		return
	}
	if p := r.cmds[0].Process; p != nil {
		_ = p.Signal(syscall.SIGTERM)
	}
}

func (r *run) signalAll(sig syscall.Signal) {
	for _, cmd := range r.cmds {
		if p := cmd.Process; p != nil {
			_ = p.Signal(sig)
		}
	}
}

// pump moves bytes from p.in to p.out, preferring splice(2) since one end
// is always a pipe, falling back to a buffered copy loop. EPIPE is
// suppressed: the downstream exit code is the definitive failure signal.
func (r *run) pump(p pumpPair) {
	defer p.in.Close()
	defer p.out.Close()

	splice := true
	var buf []byte
	inFd, outFd := int(p.in.Fd()), int(p.out.Fd())
	for {
		var n int64
		var err error
		if splice {
			n, err = unix.Splice(inFd, nil, outFd, nil, r.bufSize(), 0)
			if err == unix.EINVAL || err == unix.ENOSYS {
				splice = false
				continue
			}
		} else {
			if buf == nil {
				buf = make([]byte, r.bufSize())
			}
			var c int
			c, err = p.in.Read(buf)
			if c > 0 {
				if _, werr := p.out.Write(buf[:c]); werr != nil {
					err = werr
				}
			}
			n = int64(c)
			if errors.Is(err, io.EOF) {
				err = nil
				n = 0
			}
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return
		}
		if !p.count {
			continue
		}
		r.mu.Lock()
		r.bytes += n
		total := r.bytes
		r.mu.Unlock()
		if r.flow.Progress != nil {
			r.flow.Progress(total)
		}
	}
}

func (r *run) closeChildFds() {
	for _, f := range r.childFds {
		f.Close()
	}
	r.childFds = nil
}

// closePumps releases pump descriptors on paths where the pump goroutines
// never started.
func (r *run) closePumps() {
	for _, p := range r.pumps {
		p.in.Close()
		p.out.Close()
	}
	r.pumps = nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}
