package toolgraph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_EmptyDirectory(t *testing.T) {
	dir := t.TempDir()

	g, err := Open(dir)
	require.NoError(t, err)
	defer g.Close()

	nodes, edges := g.Stats()
	assert.Equal(t, 0, nodes)
	assert.Equal(t, 0, edges)
}

func TestOpen_ReplaysWAL(t *testing.T) {
	dir := t.TempDir()

	g, err := Open(dir)
	require.NoError(t, err)
	a, err := g.AddNode([]string{"tool"}, map[string]any{"name": "http.get"})
	require.NoError(t, err)
	b, err := g.AddNode([]string{"tool"}, map[string]any{"name": "fs.read"})
	require.NoError(t, err)
	_, err = g.AddEdge(a, b, "related", map[string]any{"weight": 2})
	require.NoError(t, err)
	// Close the WAL without flushing segments: reopen must recover from
	// the log alone.
	require.NoError(t, g.wal.close())
	g.wal = nil

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	nodes, edges := reopened.Stats()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, edges)
	n := reopened.Node(a)
	require.NotNil(t, n)
	assert.Equal(t, "http.get", n.Properties["name"])

	neighbors := reopened.Neighbors(a, "related")
	require.Len(t, neighbors, 1)
	assert.Equal(t, "fs.read", neighbors[0].Node.Properties["name"])
}

func TestFlush_WritesSegmentsAndTruncatesWAL(t *testing.T) {
	dir := t.TempDir()

	g, err := Open(dir)
	require.NoError(t, err)
	a, _ := g.AddNode([]string{"tool"}, map[string]any{"name": "hash.digest"})
	b, _ := g.AddNode([]string{"tool"}, map[string]any{"name": "hash.hmac"})
	g.AddEdge(a, b, "related", nil)
	require.NoError(t, g.Flush())
	require.NoError(t, g.Close())

	for _, name := range []string{nodesSegment, edgesSegment} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0), name)
	}
	walInfo, err := os.Stat(filepath.Join(dir, walFile))
	require.NoError(t, err)
	assert.Equal(t, int64(0), walInfo.Size(), "wal should be empty after flush")

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	nodes, edges := reopened.Stats()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, edges)
}

func TestOpen_SegmentsPlusWALTail(t *testing.T) {
	dir := t.TempDir()

	g, err := Open(dir)
	require.NoError(t, err)
	g.AddNode([]string{"tool"}, map[string]any{"name": "flushed"})
	require.NoError(t, g.Flush())
	// A post-flush mutation lives only in the WAL.
	g.AddNode([]string{"tool"}, map[string]any{"name": "tail"})
	require.NoError(t, g.wal.close())
	g.wal = nil

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	names := map[string]bool{}
	for _, n := range reopened.NodesByLabel("tool") {
		names[n.Properties["name"].(string)] = true
	}
	assert.True(t, names["flushed"])
	assert.True(t, names["tail"])
}

func TestOpen_IDsContinueAfterReload(t *testing.T) {
	dir := t.TempDir()

	g, err := Open(dir)
	require.NoError(t, err)
	first, _ := g.AddNode([]string{"tool"}, nil)
	require.NoError(t, g.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	second, err := reopened.AddNode([]string{"tool"}, nil)
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestOpen_TornWALTailIgnored(t *testing.T) {
	dir := t.TempDir()

	g, err := Open(dir)
	require.NoError(t, err)
	g.AddNode([]string{"tool"}, map[string]any{"name": "intact"})
	require.NoError(t, g.Close())

	// Simulate a crash mid-append: a partial record at the tail.
	f, err := os.OpenFile(filepath.Join(dir, walFile), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"add_node","id":9,"lab`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	nodes, _ := reopened.Stats()
	assert.Equal(t, 1, nodes)
}
