package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuslsm/lsmstore/sys"
)

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, sys.Default)
	require.NoError(t, err)

	state := m.GetState()
	assert.Empty(t, state.SSTables)
	assert.Equal(t, uint32(1), state.NextFileNumber)
	assert.Equal(t, uint64(0), state.Version)
}

func TestApplyEditAddsAndPersists(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, sys.Default)
	require.NoError(t, err)

	state, err := m.ApplyEdit(Edit{
		Added: []SSTableEntry{{FileNumber: 1, FilePath: "sstable-00001.sst"}},
	})
	require.NoError(t, err)
	require.Len(t, state.SSTables, 1)
	assert.Equal(t, uint64(1), state.Version)

	reloaded, err := Load(dir, sys.Default)
	require.NoError(t, err)
	got := reloaded.GetState()
	require.Len(t, got.SSTables, 1)
	assert.Equal(t, uint32(1), got.SSTables[0].FileNumber)
}

func TestApplyEditNewestFirstOrdering(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, sys.Default)
	require.NoError(t, err)

	_, err = m.ApplyEdit(Edit{Added: []SSTableEntry{{FileNumber: 1, FilePath: "a"}}})
	require.NoError(t, err)
	state, err := m.ApplyEdit(Edit{Added: []SSTableEntry{{FileNumber: 3, FilePath: "c"}, {FileNumber: 2, FilePath: "b"}}})
	require.NoError(t, err)

	require.Len(t, state.SSTables, 3)
	assert.Equal(t, uint32(3), state.SSTables[0].FileNumber)
	assert.Equal(t, uint32(2), state.SSTables[1].FileNumber)
	assert.Equal(t, uint32(1), state.SSTables[2].FileNumber)
}

func TestApplyEditRemoves(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, sys.Default)
	require.NoError(t, err)

	_, err = m.ApplyEdit(Edit{Added: []SSTableEntry{{FileNumber: 1}, {FileNumber: 2}}})
	require.NoError(t, err)
	state, err := m.ApplyEdit(Edit{RemovedFileNumbers: []uint32{1}})
	require.NoError(t, err)

	require.Len(t, state.SSTables, 1)
	assert.Equal(t, uint32(2), state.SSTables[0].FileNumber)
}

func TestApplyEditOverridesNextFileNumberAndLastFlushedSeq(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, sys.Default)
	require.NoError(t, err)

	state, err := m.ApplyEdit(Edit{NextFileNumber: 42, LastFlushedSequence: 99})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), state.NextFileNumber)
	assert.Equal(t, uint64(99), state.LastFlushedSeq)
}

func TestAllocateFileNumberIsMonotonic(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, sys.Default)
	require.NoError(t, err)

	first, err := m.AllocateFileNumber()
	require.NoError(t, err)
	second, err := m.AllocateFileNumber()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first)
	assert.Equal(t, uint32(2), second)
}

func TestAllocateFileNumberSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, sys.Default)
	require.NoError(t, err)
	_, err = m.AllocateFileNumber()
	require.NoError(t, err)
	_, err = m.AllocateFileNumber()
	require.NoError(t, err)

	reloaded, err := Load(dir, sys.Default)
	require.NoError(t, err)
	next, err := reloaded.AllocateFileNumber()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), next)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	f, err := sys.Default.Create(dir + "/MANIFEST")
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"magic":"NOTLSM","format_version":1,"version":0,"next_file_number":1}`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Load(dir, sys.Default)
	assert.Error(t, err)
}

func TestLoadRejectsUnsupportedFormatVersion(t *testing.T) {
	dir := t.TempDir()
	f, err := sys.Default.Create(dir + "/MANIFEST")
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"magic":"LSMMANIFEST","format_version":99,"version":0,"next_file_number":1}`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Load(dir, sys.Default)
	assert.Error(t, err)
}

func TestGetStateSnapshotIsIndependentOfFutureEdits(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, sys.Default)
	require.NoError(t, err)

	snap := m.GetState()
	_, err = m.ApplyEdit(Edit{Added: []SSTableEntry{{FileNumber: 1}}})
	require.NoError(t, err)

	assert.Empty(t, snap.SSTables) // snapshot taken before the edit stays empty
}
