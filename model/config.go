package model

import "time"

// Config holds tunables read from the environment.
type Config struct {
	BtrfsBin      string        `env:"BTRSYNC_BTRFS_BIN" envDefault:"btrfs"`
	SSHBin        string        `env:"BTRSYNC_SSH_BIN" envDefault:"ssh"`
	SudoBin       string        `env:"BTRSYNC_SUDO_BIN" envDefault:"sudo"`
	CopyBufBytes  int           `env:"BTRSYNC_COPY_BUF_BYTES" envDefault:"1048576"`
	ShutdownGrace time.Duration `env:"BTRSYNC_SHUTDOWN_GRACE" envDefault:"5s"`
	ProgressEvery time.Duration `env:"BTRSYNC_PROGRESS_INTERVAL" envDefault:"1s"`
}
