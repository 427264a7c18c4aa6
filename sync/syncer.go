package sync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/andreittr/btrsync/cow"
	"github.com/andreittr/btrsync/flow"
	"github.com/andreittr/btrsync/model"
	"github.com/andreittr/btrsync/proc"
	"github.com/andreittr/btrsync/root"
)

// Event reports pump progress for the plan currently in flight.
type Event struct {
	Plan  *Plan
	Bytes int64
}

// Completed records one successful transfer.
type Completed struct {
	Plan   Plan
	Bytes  int64
	Stages []flow.StageResult
}

// Failed records one failed transfer. Stage is the index of the earliest
// failing pipeline stage and Stderr its captured output; the tails of
// every stage are in Stages. Stage is -1 when the plan failed before its
// pipeline ran (e.g. the destination refused the target file).
type Failed struct {
	Plan   Plan
	Stage  int
	Stderr string
	Stages []flow.StageResult
	// ReceiveCorruption is set when the receive stage failed and its
	// stderr looks like filesystem corruption rather than a transfer
	// problem. Callers may choose to abort on it.
	ReceiveCorruption bool
}

// Result aggregates the outcome of a sync run.
type Result struct {
	Completed []Completed
	Failed    []Failed
	Skipped   []Skip
	Aborted   error
}

// ExitCode maps the result to the process exit code contract: 0 all plans
// succeeded, 1 some failed, 2 configuration or input error, 130
// interrupted.
func (r *Result) ExitCode() int {
	switch {
	case errors.Is(r.Aborted, model.ErrCancelled):
		return 130
	case r.Aborted != nil:
		return 2
	case len(r.Failed) > 0:
		return 1
	default:
		return 0
	}
}

// substrings in receive stderr that suggest the destination filesystem is
// damaged rather than the transfer merely failing
var corruptionMarkers = []string{
	"parent transid verify failed",
	"checksum verify failed",
	"corrupt",
}

// Syncer executes planned transfers one at a time, in plan order. The
// sequential send-stream structure serializes the data plane; concurrency
// lives in the per-flow OS processes.
type Syncer struct {
	Src root.Root
	Dst root.Root
	// UserPipeline is spliced between the send and receive sides.
	UserPipeline proc.Pipeline
	Grace        time.Duration
	BufSize      int
	Progress     func(Event)
	Metrics      *Metrics
	Log          zerolog.Logger
}

// Run executes plans sequentially and aggregates per-plan outcomes.
// Pre-flight errors abort the run before any further flow starts; a
// failing stage inside a flow only fails its plan.
func (s *Syncer) Run(ctx context.Context, plans []Plan, skips []Skip) *Result {
	res := &Result{Skipped: skips}

	if !s.Src.CanSend() {
		res.Aborted = model.Configf("source %s cannot send", s.Src.Name())
		return res
	}
	if !s.Dst.CanReceive() {
		res.Aborted = model.Configf("destination %s cannot receive", s.Dst.Name())
		return res
	}

	for i := range plans {
		plan := plans[i]
		if ctx.Err() != nil {
			res.Aborted = model.ErrCancelled
			break
		}
		if err := s.runPlan(ctx, &plan, res); err != nil {
			res.Aborted = err
			break
		}
	}
	return res
}

func (s *Syncer) runPlan(ctx context.Context, plan *Plan, res *Result) error {
	parent := ""
	if plan.Parent != nil {
		parent = plan.Parent.Path
	}
	clones := make([]string, len(plan.Clones))
	for i, c := range plan.Clones {
		clones[i] = c.Path
	}

	sendStages, err := s.Src.Send(plan.Src, parent, clones)
	if err != nil {
		return err
	}
	recvStages, sink, err := s.Dst.Receive(ctx, plan.DstPath)
	if err != nil {
		var fsErr *model.FilesystemError
		if errors.As(err, &fsErr) {
			// the destination refused this plan's target; others may
			// still be fine
			res.Failed = append(res.Failed, Failed{Plan: *plan, Stage: -1, Stderr: err.Error()})
			s.countTransfer("failed")
			return nil
		}
		return err
	}

	stages := make(proc.Pipeline, 0, len(sendStages)+len(s.UserPipeline)+len(recvStages))
	stages = append(stages, sendStages...)
	stages = append(stages, s.UserPipeline...)
	stages = append(stages, recvStages...)
	stages = relink(stages)
	recvStart := len(sendStages) + len(s.UserPipeline)

	f := &flow.Flow{
		Stages:  stages,
		Sink:    sink,
		BufSize: s.BufSize,
		Grace:   s.Grace,
		Log:     s.Log,
	}
	if s.Progress != nil {
		f.Progress = func(total int64) { s.Progress(Event{Plan: plan, Bytes: total}) }
	}

	s.Log.Info().
		Str("subvolume", plan.Src.Path).
		Str("dst", plan.DstPath).
		Bool("incremental", plan.Incremental()).
		Msg("transferring")

	fres, err := f.Run(ctx)
	if err != nil {
		if errors.Is(err, model.ErrCancelled) {
			return model.ErrCancelled
		}
		return err
	}

	if idx := fres.FirstFailed(); idx >= 0 {
		st := fres.Stages[idx]
		res.Failed = append(res.Failed, Failed{
			Plan:              *plan,
			Stage:             idx,
			Stderr:            st.Stderr,
			Stages:            fres.Stages,
			ReceiveCorruption: idx >= recvStart && looksCorrupt(st.Stderr),
		})
		s.countTransfer("failed")
		s.Log.Error().
			Str("subvolume", plan.Src.Path).
			Int("stage", idx).
			Str("stderr", strings.TrimSpace(st.Stderr)).
			Msg("transfer failed")
		return nil
	}

	res.Completed = append(res.Completed, Completed{Plan: *plan, Bytes: fres.Bytes, Stages: fres.Stages})
	s.countTransfer("completed")
	if s.Metrics != nil {
		s.Metrics.BytesTotal.Add(float64(fres.Bytes))
	}
	s.Log.Info().
		Str("subvolume", plan.Src.Path).
		Int64("bytes", fres.Bytes).
		Msg("transfer complete")
	return nil
}

func (s *Syncer) countTransfer(result string) {
	if s.Metrics != nil {
		s.Metrics.Transfers.WithLabelValues(result).Inc()
	}
}

func looksCorrupt(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range corruptionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// relink rewires pipe specs across the concatenated send, user, and
// receive stages so the whole sequence forms one pipeline.
func relink(stages proc.Pipeline) proc.Pipeline {
	for i := range stages {
		if i > 0 {
			stages[i].Stdin = proc.Pipe()
		}
		if i < len(stages)-1 {
			stages[i].Stdout = proc.Pipe()
		}
	}
	return stages
}

// ListTrees lists both roots and builds their COW trees, the planner's
// input.
func ListTrees(ctx context.Context, src, dst root.Root) (*cow.Tree, *cow.Tree, error) {
	srcTree, err := listTree(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	dstTree, err := listTree(ctx, dst)
	if err != nil {
		return nil, nil, err
	}
	return srcTree, dstTree, nil
}

func listTree(ctx context.Context, r root.Root) (*cow.Tree, error) {
	vols, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	t := cow.NewTree()
	for _, v := range vols {
		if err := t.Insert(v); err != nil {
			return nil, err
		}
	}
	if err := t.Build(); err != nil {
		return nil, err
	}
	return t, nil
}
