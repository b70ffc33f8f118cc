package toolgraph

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/laminarhq/laminar/pkg/schema"
)

// On-disk layout under the graph directory:
//
//	nodes.seg  -- JSON segment with all nodes at the last flush
//	edges.seg  -- JSON segment with all edges at the last flush
//	graph.wal  -- newline-delimited JSON records appended since the flush
//
// Open loads the segments, replays the WAL on top, and keeps the WAL open
// for appends. Flush rewrites both segments atomically and truncates the
// WAL, so a crash at any point loses at most the mutation being appended.

const (
	nodesSegment = "nodes.seg"
	edgesSegment = "edges.seg"
	walFile      = "graph.wal"
)

const (
	walAddNode = "add_node"
	walAddEdge = "add_edge"
)

type walRecord struct {
	Type       string         `json:"type"`
	ID         uint64         `json:"id"`
	From       uint64         `json:"from,omitempty"`
	To         uint64         `json:"to,omitempty"`
	EdgeType   string         `json:"edge_type,omitempty"`
	Labels     []string       `json:"labels,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type nodesSegmentFile struct {
	Count int     `json:"count"`
	Nodes []*Node `json:"nodes"`
}

type edgesSegmentFile struct {
	Count int     `json:"count"`
	Edges []*Edge `json:"edges"`
}

type walWriter struct {
	f *os.File
	w *bufio.Writer
}

func (w *walWriter) append(rec walRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "graph: marshal wal record").WithCause(err)
	}
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return schema.NewError(schema.ErrCodeStore, "graph: append wal record").WithCause(err)
	}
	if err := w.w.Flush(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "graph: flush wal").WithCause(err)
	}
	if err := w.f.Sync(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "graph: fsync wal").WithCause(err)
	}
	return nil
}

func (w *walWriter) close() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

// Open loads (or creates) a persistent graph rooted at dir.
func Open(dir string) (*Graph, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "graph: create directory").WithCause(err)
	}

	g := NewGraph()
	g.dir = dir

	if err := g.loadSegments(); err != nil {
		return nil, err
	}
	if err := g.replayWAL(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, walFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "graph: open wal").WithCause(err)
	}
	g.wal = &walWriter{f: f, w: bufio.NewWriter(f)}
	return g, nil
}

// Close flushes the graph to segments and closes the WAL.
func (g *Graph) Close() error {
	if g.wal == nil {
		return nil
	}
	if err := g.Flush(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.wal.close()
	g.wal = nil
	return err
}

// Flush writes both segments atomically and truncates the WAL. After a
// flush the WAL is empty and the segments alone reconstruct the graph.
func (g *Graph) Flush() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dir == "" {
		return nil
	}

	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	edges := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, e)
	}

	if err := writeSegment(filepath.Join(g.dir, nodesSegment), nodesSegmentFile{Count: len(nodes), Nodes: nodes}); err != nil {
		return err
	}
	if err := writeSegment(filepath.Join(g.dir, edgesSegment), edgesSegmentFile{Count: len(edges), Edges: edges}); err != nil {
		return err
	}

	if g.wal != nil {
		if err := g.wal.w.Flush(); err != nil {
			return schema.NewError(schema.ErrCodeStore, "graph: flush wal").WithCause(err)
		}
		if err := g.wal.f.Truncate(0); err != nil {
			return schema.NewError(schema.ErrCodeStore, "graph: truncate wal").WithCause(err)
		}
		if _, err := g.wal.f.Seek(0, 0); err != nil {
			return schema.NewError(schema.ErrCodeStore, "graph: rewind wal").WithCause(err)
		}
	}
	return nil
}

// writeSegment writes JSON to a temp file, fsyncs, and renames into place.
func writeSegment(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "graph: marshal segment").WithCause(err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "graph: create segment").WithCause(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return schema.NewError(schema.ErrCodeStore, "graph: write segment").WithCause(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return schema.NewError(schema.ErrCodeStore, "graph: fsync segment").WithCause(err)
	}
	if err := f.Close(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "graph: close segment").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return schema.NewError(schema.ErrCodeStore, "graph: rename segment").WithCause(err)
	}
	return nil
}

func (g *Graph) loadSegments() error {
	var nodesFile nodesSegmentFile
	ok, err := readSegment(filepath.Join(g.dir, nodesSegment), &nodesFile)
	if err != nil {
		return err
	}
	if ok {
		for _, n := range nodesFile.Nodes {
			g.insertNode(n)
		}
	}

	var edgesFile edgesSegmentFile
	ok, err = readSegment(filepath.Join(g.dir, edgesSegment), &edgesFile)
	if err != nil {
		return err
	}
	if ok {
		for _, e := range edgesFile.Edges {
			g.insertEdge(e)
		}
	}
	return nil
}

func readSegment(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, schema.NewError(schema.ErrCodeStore, "graph: read segment").WithCause(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "graph: parse segment %s", filepath.Base(path)).WithCause(err)
	}
	return true, nil
}

func (g *Graph) replayWAL() error {
	f, err := os.Open(filepath.Join(g.dir, walFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "graph: open wal for replay").WithCause(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// A torn tail write means the record was never acknowledged.
			// Everything before it is intact; stop replay here.
			return nil
		}
		switch rec.Type {
		case walAddNode:
			g.insertNode(&Node{ID: NodeID(rec.ID), Labels: rec.Labels, Properties: rec.Properties})
		case walAddEdge:
			g.insertEdge(&Edge{ID: EdgeID(rec.ID), From: NodeID(rec.From), To: NodeID(rec.To), Type: rec.EdgeType, Properties: rec.Properties})
		default:
			return schema.NewErrorf(schema.ErrCodeStore, "graph: unknown wal record type %q at line %d", rec.Type, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "graph: scan wal").WithCause(err)
	}
	return nil
}
