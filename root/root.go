// Package root abstracts the places subvolumes are replicated between: a
// local btrfs mount, a remote one reached over ssh, a directory of raw
// send-stream dumps, or a plain pipe.
package root

import (
	"context"

	"github.com/andreittr/btrsync/cow"
	"github.com/andreittr/btrsync/proc"
)

// Root is a uniform capability surface over an endpoint. Send and Receive
// build command stages; they never execute anything themselves.
type Root interface {
	// Name is a human-readable identifier for messages.
	Name() string
	// CanSend reports whether this root can produce send streams.
	CanSend() bool
	// CanReceive reports whether this root can consume send streams.
	CanReceive() bool
	// List enumerates the subvolumes known to this root. Paths are
	// relative to the root.
	List(ctx context.Context) ([]cow.Vol, error)
	// Send builds the stage(s) that emit vol's send stream on stdout.
	// parent and clones are root-relative paths; both empty for a full
	// send.
	Send(vol cow.Vol, parent string, clones []string) (proc.Pipeline, error)
	// Receive builds the stage(s) that consume a send stream arriving on
	// stdin of the first stage, plus the disposition of the final
	// stage's stdout. Roots that capture the raw stream (dumps, pipes)
	// return a file or descriptor sink and no receive stages of their
	// own; a dump writer returns its user pipeline, if it has one.
	Receive(ctx context.Context, dst string) (proc.Pipeline, proc.StreamSpec, error)
}
