// Command btrsync replicates btrfs subvolumes between local and remote
// locations, planning incremental transfers from their copy-on-write
// relationships.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/andreittr/btrsync/location"
	"github.com/andreittr/btrsync/model"
	"github.com/andreittr/btrsync/proc"
	"github.com/andreittr/btrsync/root"
	"github.com/andreittr/btrsync/sync"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	level := zerolog.InfoLevel
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		if parsed, err := zerolog.ParseLevel(l); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:      "btrsync",
		Usage:     "COW-aware replication of btrfs subvolumes",
		ArgsUsage: "SRC DST",
		Version:   version + " (" + commit + ")",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "incremental-only", Aliases: []string{"i"},
				Usage: "skip subvolumes that would need a full transfer"},
			&cli.BoolFlag{Name: "sudo", Aliases: []string{"s"},
				Usage: "run local btrfs commands through sudo -n"},
			&cli.BoolFlag{Name: "remote-sudo", Aliases: []string{"S"},
				Usage: "run remote btrfs commands through sudo -n"},
			&cli.BoolFlag{Name: "replicate-dirs", Aliases: []string{"d"},
				Usage: "recreate the source directory layout at the destination"},
			&cli.BoolFlag{Name: "create-dest", Aliases: []string{"M"},
				Usage: "create destination directories as needed"},
			&cli.BoolFlag{Name: "progress", Aliases: []string{"p"},
				Usage: "report transfer progress on stderr"},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"},
				Usage: "do not ask for confirmation"},
			&cli.StringFlag{Name: "pipe",
				Usage: "shell pipeline to filter the stream through, e.g. 'zstd -T0'"},
		},
		Action: run,
	}
	if err := cmd.Run(ctx, os.Args); err != nil {
		// cli has already printed the message of a cli.Exit error
		os.Exit(exitStatus(err))
	}
}

func exitStatus(err error) int {
	if ec, ok := err.(cli.ExitCoder); ok {
		return ec.ExitCode()
	}
	return 2
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := env.ParseAs[model.Config]()
	if err != nil {
		return cli.Exit(fmt.Sprintf("bad environment: %v", err), 2)
	}
	if cmd.Args().Len() != 2 {
		return cli.Exit("expected exactly two arguments: SRC DST", 2)
	}

	var userPipeline proc.Pipeline
	if p := cmd.String("pipe"); p != "" {
		if userPipeline, err = proc.ParsePipeline(p); err != nil {
			return cli.Exit(err.Error(), 2)
		}
	}

	src, err := buildRoot(cmd.Args().Get(0), cmd, cfg, true)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	dst, err := buildRoot(cmd.Args().Get(1), cmd, cfg, false)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	srcTree, dstTree, err := sync.ListTrees(ctx, src, dst)
	if err != nil {
		return cli.Exit(fmt.Sprintf("listing subvolumes: %v", err), 2)
	}

	layout := sync.Flatten
	if cmd.Bool("replicate-dirs") {
		layout = sync.Mirror
	}
	plans, skips, err := sync.PlanTransfers(sync.PlanRequest{
		Src:             srcTree,
		Dst:             dstTree,
		Layout:          layout,
		IncrementalOnly: cmd.Bool("incremental-only"),
	})
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	for _, s := range skips {
		log.Debug().Str("subvolume", s.Vol.Path).Str("reason", string(s.Reason)).Msg("skipping")
	}
	if len(plans) == 0 {
		log.Info().Int("skipped", len(skips)).Msg("nothing to transfer")
		return nil
	}
	printPlans(plans, src, dst)
	if !cmd.Bool("yes") && !confirm() {
		return cli.Exit("aborted", 2)
	}

	s := &sync.Syncer{
		Src:          src,
		Dst:          dst,
		UserPipeline: userPipeline,
		Grace:        cfg.ShutdownGrace,
		BufSize:      cfg.CopyBufBytes,
		Metrics:      sync.NewMetrics(prometheus.DefaultRegisterer),
		Log:          log.Logger,
	}
	if cmd.Bool("progress") && term.IsTerminal(int(os.Stderr.Fd())) {
		s.Progress = progressPrinter(cfg.ProgressEvery)
	}

	res := s.Run(ctx, plans, skips)
	report(res)
	if code := res.ExitCode(); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func buildRoot(arg string, cmd *cli.Command, cfg model.Config, isSrc bool) (root.Root, error) {
	if arg == "-" {
		if isSrc {
			return nil, model.Configf("cannot use - as a source")
		}
		return root.Pipe{}, nil
	}
	loc, err := location.Parse(arg)
	if err != nil {
		return nil, err
	}
	opts := root.Options{
		BtrfsBin:   cfg.BtrfsBin,
		SudoBin:    cfg.SudoBin,
		CreateDest: cmd.Bool("create-dest"),
		Log:        &log.Logger,
	}
	switch loc.Kind {
	case location.File:
		if isSrc {
			return root.NewDumpRead(loc.Path), nil
		}
		// the user pipeline is spliced in by the executor
		return root.NewDumpWrite(loc.Path, nil, cmd.Bool("create-dest")), nil
	case location.SSH:
		opts.Sudo = cmd.Bool("remote-sudo")
		target := proc.SSHTarget{User: loc.User, Host: loc.Host, Port: loc.Port}
		return root.NewSSH(loc.Path, target, cfg.SSHBin, opts)
	default:
		opts.Sudo = cmd.Bool("sudo")
		return root.NewLocal(loc.Path, opts), nil
	}
}

func printPlans(plans []sync.Plan, src, dst root.Root) {
	fmt.Fprintf(os.Stderr, "Transferring %d subvolume(s) from %s to %s:\n",
		len(plans), src.Name(), dst.Name())
	for _, p := range plans {
		kind := "full"
		if p.Incremental() {
			kind = fmt.Sprintf("incremental from %s", p.Parent.Path)
		}
		fmt.Fprintf(os.Stderr, "  %s -> %s (%s)\n", p.Src.Path, p.DstPath, kind)
	}
}

func confirm() bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		// no terminal to ask on; proceed as if confirmed
		return true
	}
	fmt.Fprint(os.Stderr, "Proceed? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// progressPrinter renders a throttled byte counter and rate on stderr.
func progressPrinter(every time.Duration) func(sync.Event) {
	var last time.Time
	var lastBytes int64
	return func(ev sync.Event) {
		now := time.Now()
		if !last.IsZero() && now.Sub(last) < every {
			return
		}
		rate := float64(ev.Bytes-lastBytes) / now.Sub(last).Seconds()
		if last.IsZero() {
			rate = 0
		}
		fmt.Fprintf(os.Stderr, "\r%s  %s %s/s   ", ev.Plan.Src.Path,
			humanBytes(float64(ev.Bytes)), humanBytes(rate))
		last, lastBytes = now, ev.Bytes
	}
}

// humanBytes renders n in IEC units.
func humanBytes(n float64) string {
	const thresh = 1024
	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}
	for _, unit := range units[:len(units)-1] {
		if n < thresh {
			return fmt.Sprintf("%.1f %s", n, unit)
		}
		n /= thresh
	}
	return fmt.Sprintf("%.1f %s", n, units[len(units)-1])
}

func report(res *sync.Result) {
	for _, c := range res.Completed {
		log.Info().
			Str("subvolume", c.Plan.Src.Path).
			Str("transferred", humanBytes(float64(c.Bytes))).
			Msg("done")
	}
	for _, f := range res.Failed {
		ev := log.Error().Str("subvolume", f.Plan.Src.Path)
		if f.Stage >= 0 {
			ev = ev.Int("stage", f.Stage)
		}
		if f.ReceiveCorruption {
			ev = ev.Bool("receive_corruption", true)
		}
		ev.Str("cause", strings.TrimSpace(f.Stderr)).Msg("transfer failed")
	}
	if res.Aborted != nil {
		log.Error().Err(res.Aborted).Msg("sync aborted")
	}
	log.Info().
		Int("completed", len(res.Completed)).
		Int("failed", len(res.Failed)).
		Int("skipped", len(res.Skipped)).
		Msg("sync finished")
}
