// Package cow models btrfs subvolumes and the copy-on-write relations
// between them: snapshot parentage within one filesystem and received-from
// links across filesystems.
package cow

import "github.com/google/uuid"

// Vol describes one btrfs subvolume. Paths are relative to the root the
// volume was listed from. A zero UUID field means btrfs reported `-`.
type Vol struct {
	ID           uint64
	Gen          uint64
	UUID         uuid.UUID
	ParentUUID   uuid.UUID
	ReceivedUUID uuid.UUID
	Path         string
	ReadOnly     bool
}
