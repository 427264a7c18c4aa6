package root

import (
	"context"
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreittr/btrsync/cow"
	"github.com/andreittr/btrsync/model"
	"github.com/andreittr/btrsync/proc"
	"github.com/andreittr/btrsync/utils"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

const (
	uuidA = "11111111-1111-1111-1111-111111111111"
	uuidB = "22222222-2222-2222-2222-222222222222"
	uuidC = "33333333-3333-3333-3333-333333333333"
)

// canned `btrfs subvolume show /mnt/pool` output: the mount is the
// subvolume at backups within the filesystem.
const showOut = "backups\n\tName:\t\t\tbackups\n\tUUID:\t\t\t" + uuidA + "\n"

func listOut(rows ...string) string {
	return "ID\tgen\tparent\ttop level\tparent_uuid\treceived_uuid\tuuid\tpath\n" +
		"--\t--\t--\t--\t--\t--\t--\t--\n" +
		strings.Join(rows, "\n") + "\n"
}

func newTestLocal(r utils.Runner) *Local {
	return NewLocal("/mnt/pool", Options{Runner: r})
}

func TestLocalList(t *testing.T) {
	full := listOut(
		"256\t100\t5\t5\t-\t-\t"+uuidA+"\t<FS_TREE>/backups",
		"257\t110\t5\t5\t-\t-\t"+uuidB+"\t<FS_TREE>/backups/daily",
		"258\t120\t5\t5\t-\t-\t"+uuidC+"\t<FS_TREE>/elsewhere/vol",
	)
	readonly := listOut(
		"257\t110\t5\t5\t-\t-\t" + uuidB + "\t<FS_TREE>/backups/daily",
		"258\t120\t5\t5\t-\t-\t" + uuidC + "\t<FS_TREE>/elsewhere/vol",
	)
	m := &utils.MockRunner{
		RunFn: func(cmd proc.Cmd) (string, error) {
			switch {
			case slices.Contains(cmd.Args, "show"):
				return showOut, nil
			case slices.Contains(cmd.Args, "-r"):
				return readonly, nil
			default:
				return full, nil
			}
		},
	}
	l := newTestLocal(m)

	vols, err := l.List(context.Background())
	require.NoError(t, err)
	require.Len(t, vols, 3)
	require.Len(t, m.Calls, 3)

	byUUID := make(map[string]int)
	for i, v := range vols {
		byUUID[v.UUID.String()] = i
	}
	daily := vols[byUUID[uuidB]]
	assert.Equal(t, "daily", daily.Path)
	assert.True(t, daily.ReadOnly)

	// outside the mount's subtree: kept for parentage, never sendable
	other := vols[byUUID[uuidC]]
	assert.Equal(t, "elsewhere/vol", other.Path)
	assert.False(t, other.ReadOnly)
}

func TestLocalListErrorPropagates(t *testing.T) {
	m := &utils.MockRunner{Err: os.ErrPermission}
	l := newTestLocal(m)
	_, err := l.List(context.Background())
	require.Error(t, err)
}

func TestLocalSend(t *testing.T) {
	l := newTestLocal(&utils.MockRunner{})
	vol := volWithPath("snaps/a")

	p, err := l.Send(vol, "snaps/base", []string{"snaps/other"})
	require.NoError(t, err)
	require.Len(t, p, 1)
	assert.Equal(t, []string{"btrfs", "send",
		"-p", "/mnt/pool/snaps/base", "-c", "/mnt/pool/snaps/other", "/mnt/pool/snaps/a"},
		p[0].Argv())
	assert.Equal(t, proc.StreamNull, p[0].Stdin.Kind)
}

func TestLocalSendSudo(t *testing.T) {
	l := NewLocal("/mnt/pool", Options{Sudo: true, Runner: &utils.MockRunner{}})
	p, err := l.Send(volWithPath("a"), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sudo", "-n", "btrfs", "send", "/mnt/pool/a"}, p[0].Argv())
}

func TestLocalPathEscapeRejected(t *testing.T) {
	l := newTestLocal(&utils.MockRunner{})
	var cfgErr *model.ConfigError

	_, err := l.Send(volWithPath("../escape"), "", nil)
	require.ErrorAs(t, err, &cfgErr)

	_, err = l.Send(volWithPath("/abs"), "", nil)
	require.ErrorAs(t, err, &cfgErr)

	_, _, err = l.Receive(context.Background(), "../up")
	require.ErrorAs(t, err, &cfgErr)
}

func TestLocalReceive(t *testing.T) {
	l := newTestLocal(&utils.MockRunner{})
	p, sink, err := l.Receive(context.Background(), "sub")
	require.NoError(t, err)
	require.Len(t, p, 1)
	assert.Equal(t, []string{"btrfs", "receive", "-e", "/mnt/pool/sub"}, p[0].Argv())
	assert.Equal(t, proc.StreamInherit, sink.Kind)
}

func TestSSHRoot(t *testing.T) {
	m := &utils.MockRunner{
		RunFn: func(cmd proc.Cmd) (string, error) {
			// every command must reach the wire wrapped in ssh
			if cmd.Path != "ssh" {
				t.Errorf("expected ssh invocation, got %s", cmd)
			}
			if strings.Contains(cmd.Args[len(cmd.Args)-1], "show") {
				return showOut, nil
			}
			return listOut("257\t110\t5\t5\t-\t-\t" + uuidB + "\t<FS_TREE>/backups/daily"), nil
		},
	}
	s, err := NewSSH("/mnt/pool", proc.SSHTarget{User: "backup", Host: "nas", Port: 2222}, "ssh",
		Options{Sudo: true, Runner: m})
	require.NoError(t, err)
	assert.Equal(t, "backup@nas:/mnt/pool", s.Name())

	vols, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, vols, 1)

	p, err := s.Send(volWithPath("daily"), "", nil)
	require.NoError(t, err)
	require.Len(t, p, 1)
	assert.Equal(t, "ssh", p[0].Path)
	assert.Equal(t, []string{"-p", "2222", "backup@nas", "sudo -n btrfs send /mnt/pool/daily"}, p[0].Args)

	_, err = NewSSH("/mnt", proc.SSHTarget{}, "ssh", Options{Runner: m})
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func volWithPath(p string) cow.Vol {
	return cow.Vol{UUID: uuid.New(), Path: p, ReadOnly: true}
}
