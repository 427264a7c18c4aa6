package btrfs

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/andreittr/btrsync/cow"
	"github.com/andreittr/btrsync/model"
)

// Column headers of `btrfs subvolume list -t` output that the parser needs.
// Additional columns are ignored.
var requiredColumns = []string{"ID", "gen", "parent_uuid", "received_uuid", "uuid", "path"}

// ParseList parses `btrfs subvolume list -a -u -q -R -t` output into
// subvolumes. The tabular format carries a header line, a dash separator,
// then one row per subvolume. Empty UUID columns are printed as `-` and
// map to the zero UUID.
func ParseList(out string) ([]cow.Vol, error) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 2 {
		return nil, model.Protocolf("subvolume list: truncated output (%d lines)", len(lines))
	}
	hdrs := tabSplit(lines[0])
	if !strings.HasPrefix(lines[1], "-") {
		return nil, model.Protocolf("subvolume list: expected separator on line 2, got %q", lines[1])
	}
	col := make(map[string]int, len(hdrs))
	for i, h := range hdrs {
		col[h] = i
	}
	for _, want := range requiredColumns {
		if _, ok := col[want]; !ok {
			return nil, model.Protocolf("subvolume list: missing column %q", want)
		}
	}

	var vols []cow.Vol
	for _, line := range lines[2:] {
		if line == "" {
			continue
		}
		fields := tabSplit(line)
		if len(fields) < len(hdrs) {
			return nil, model.Protocolf("subvolume list: row has %d fields, header has %d: %q",
				len(fields), len(hdrs), line)
		}
		var v cow.Vol
		var err error
		if v.ID, err = strconv.ParseUint(fields[col["ID"]], 10, 64); err != nil {
			return nil, model.Protocolf("subvolume list: bad ID in %q: %v", line, err)
		}
		if v.Gen, err = strconv.ParseUint(fields[col["gen"]], 10, 64); err != nil {
			return nil, model.Protocolf("subvolume list: bad gen in %q: %v", line, err)
		}
		if v.UUID, err = parseUUID(fields[col["uuid"]]); err != nil {
			return nil, model.Protocolf("subvolume list: bad uuid in %q: %v", line, err)
		}
		if v.ParentUUID, err = parseUUID(fields[col["parent_uuid"]]); err != nil {
			return nil, model.Protocolf("subvolume list: bad parent_uuid in %q: %v", line, err)
		}
		if v.ReceivedUUID, err = parseUUID(fields[col["received_uuid"]]); err != nil {
			return nil, model.Protocolf("subvolume list: bad received_uuid in %q: %v", line, err)
		}
		v.Path = fields[col["path"]]
		vols = append(vols, v)
	}
	return vols, nil
}

// ParseShowPath parses `btrfs subvolume show` output and returns the
// subvolume's path within the filesystem; "/" means the toplevel volume.
func ParseShowPath(out string) (string, error) {
	line, _, _ := strings.Cut(out, "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", model.Protocolf("subvolume show: empty output")
	}
	return line, nil
}

func tabSplit(line string) []string {
	var out []string
	for _, f := range strings.Split(line, "\t") {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "-" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}
