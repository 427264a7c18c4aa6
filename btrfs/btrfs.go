// Package btrfs builds btrfs-progs command invocations and parses their
// output. It never touches a filesystem itself; commands are returned as
// values for the caller to execute.
package btrfs

import (
	"golang.org/x/sys/unix"

	"github.com/andreittr/btrsync/proc"
)

// FSTree is the path prefix btrfs-progs prints for the filesystem root
// when listing with -a.
const FSTree = "<FS_TREE>"

// btrfs superblock magic, per statfs(2)
const superMagic = 0x9123683E

// IsBtrfs reports whether path resides on a btrfs filesystem.
func IsBtrfs(path string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false
	}
	return st.Type == superMagic
}

// ListCmd lists every subvolume in the filesystem holding mount, in tabular
// form with parent, UUID, and received-UUID columns.
func ListCmd(bin, mount string) proc.Cmd {
	return proc.Command(bin, "subvolume", "list", "-a", "-u", "-q", "-R", "-t", mount)
}

// ListReadonlyCmd lists only read-only subvolumes, with the same columns
// as ListCmd.
func ListReadonlyCmd(bin, mount string) proc.Cmd {
	return proc.Command(bin, "subvolume", "list", "-a", "-r", "-u", "-q", "-R", "-t", mount)
}

// ShowCmd shows details of the subvolume at path.
func ShowCmd(bin, path string) proc.Cmd {
	return proc.Command(bin, "subvolume", "show", path)
}

// SendCmd emits a send stream for path on stdout, diffed against parent
// and clones when given.
func SendCmd(bin, path, parent string, clones []string) proc.Cmd {
	args := []string{"send"}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	for _, c := range clones {
		args = append(args, "-c", c)
	}
	args = append(args, path)
	return proc.Command(bin, args...)
}

// ReceiveCmd consumes a send stream on stdin into dst.
func ReceiveCmd(bin, dst string) proc.Cmd {
	return proc.Command(bin, "receive", "-e", dst)
}
