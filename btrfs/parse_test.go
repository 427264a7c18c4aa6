package btrfs

import (
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreittr/btrsync/cow"
	"github.com/andreittr/btrsync/model"
)

const (
	uuidA = "11111111-1111-1111-1111-111111111111"
	uuidB = "22222222-2222-2222-2222-222222222222"
	uuidC = "33333333-3333-3333-3333-333333333333"
)

func listTable(rows ...[]string) string {
	var b strings.Builder
	b.WriteString("ID\tgen\tparent\ttop level\tparent_uuid\treceived_uuid\tuuid\tpath\n")
	b.WriteString("--\t---\t------\t---------\t-----------\t-------------\t----\t----\n")
	for _, r := range rows {
		b.WriteString(strings.Join(r, "\t"))
		b.WriteByte('\n')
	}
	return b.String()
}

func TestParseList(t *testing.T) {
	out := listTable(
		[]string{"256", "100", "5", "5", "-", "-", uuidA, "base"},
		[]string{"257", "110", "5", "5", uuidA, uuidB, uuidC, "snaps/weekly"},
	)
	vols, err := ParseList(out)
	require.NoError(t, err)
	require.Len(t, vols, 2)

	assert.Equal(t, uint64(256), vols[0].ID)
	assert.Equal(t, uint64(100), vols[0].Gen)
	assert.Equal(t, uuid.Nil, vols[0].ParentUUID)
	assert.Equal(t, uuid.Nil, vols[0].ReceivedUUID)
	assert.Equal(t, uuid.MustParse(uuidA), vols[0].UUID)
	assert.Equal(t, "base", vols[0].Path)

	assert.Equal(t, uuid.MustParse(uuidA), vols[1].ParentUUID)
	assert.Equal(t, uuid.MustParse(uuidB), vols[1].ReceivedUUID)
	assert.Equal(t, uuid.MustParse(uuidC), vols[1].UUID)
	assert.Equal(t, "snaps/weekly", vols[1].Path)
}

func TestParseListExtraColumnsTolerated(t *testing.T) {
	out := "ID\tgen\tparent\ttop level\tparent_uuid\treceived_uuid\tuuid\tpath\tfuture\n" +
		"--\t--\t--\t--\t--\t--\t--\t--\t--\n" +
		"256\t100\t5\t5\t-\t-\t" + uuidA + "\tbase\textra\n"
	vols, err := ParseList(out)
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, "base", vols[0].Path)
}

func TestParseListMissingColumn(t *testing.T) {
	out := "ID\tgen\tparent\ttop level\tparent_uuid\tuuid\tpath\n" +
		"--\t--\t--\t--\t--\t--\t--\n" +
		"256\t100\t5\t5\t-\t" + uuidA + "\tbase\n"
	_, err := ParseList(out)
	var perr *model.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Msg, "received_uuid")
}

func TestParseListBadSeparator(t *testing.T) {
	out := "ID\tgen\tparent\ttop level\tparent_uuid\treceived_uuid\tuuid\tpath\n" +
		"256\t100\t5\t5\t-\t-\t" + uuidA + "\tbase\n"
	var perr *model.ProtocolError
	_, err := ParseList(out)
	require.ErrorAs(t, err, &perr)
}

// Parsing then re-rendering must preserve the semantic volume set,
// including the `-` <-> zero UUID mapping.
func TestParseListRoundTrip(t *testing.T) {
	orig := []cow.Vol{
		{ID: 256, Gen: 100, UUID: uuid.MustParse(uuidA), Path: "base"},
		{ID: 257, Gen: 110, UUID: uuid.MustParse(uuidB),
			ParentUUID: uuid.MustParse(uuidA), Path: "snaps/weekly"},
	}
	var rows [][]string
	for _, v := range orig {
		rows = append(rows, []string{
			strconv.FormatUint(v.ID, 10), strconv.FormatUint(v.Gen, 10), "5", "5",
			renderUUID(v.ParentUUID), renderUUID(v.ReceivedUUID), v.UUID.String(), v.Path,
		})
	}
	vols, err := ParseList(listTable(rows...))
	require.NoError(t, err)
	assert.Equal(t, orig, vols)
}

func renderUUID(u uuid.UUID) string {
	if u == uuid.Nil {
		return "-"
	}
	return u.String()
}

func TestCmdBuilders(t *testing.T) {
	assert.Equal(t, []string{"btrfs", "subvolume", "list", "-a", "-u", "-q", "-R", "-t", "/mnt"},
		ListCmd("btrfs", "/mnt").Argv())
	assert.Equal(t, []string{"btrfs", "subvolume", "list", "-a", "-r", "-u", "-q", "-R", "-t", "/mnt"},
		ListReadonlyCmd("btrfs", "/mnt").Argv())
	assert.Equal(t, []string{"btrfs", "send", "-p", "/mnt/a", "-c", "/mnt/b", "-c", "/mnt/c", "/mnt/x"},
		SendCmd("btrfs", "/mnt/x", "/mnt/a", []string{"/mnt/b", "/mnt/c"}).Argv())
	assert.Equal(t, []string{"btrfs", "send", "/mnt/x"},
		SendCmd("btrfs", "/mnt/x", "", nil).Argv())
	assert.Equal(t, []string{"btrfs", "receive", "-e", "/dst"},
		ReceiveCmd("btrfs", "/dst").Argv())
}
