package model

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	forestFile = "forest.gob"
	scalerFile = "scaler.gob"
	metaFile   = "meta.json"
)

// gobTree is the gob-serializable shape of an isolation tree: isolationNode
// pointers don't gob-encode directly as an exported type, so the tree is
// flattened into a slice-based representation before encoding.
type gobTree struct {
	Nodes []gobNode
}

type gobNode struct {
	IsExternal bool
	Size       int
	FeatureIdx int
	SplitValue float64
	Left       int // index into Nodes, -1 if none
	Right      int
}

type gobForest struct {
	Trees         []gobTree
	SampleSize    int
	Contamination float64
	Offset        float64
}

func flattenTree(root *isolationNode) gobTree {
	var nodes []gobNode
	var walk func(n *isolationNode) int
	walk = func(n *isolationNode) int {
		idx := len(nodes)
		nodes = append(nodes, gobNode{})
		if n.isExternal {
			nodes[idx] = gobNode{IsExternal: true, Size: n.size, Left: -1, Right: -1}
			return idx
		}
		left := walk(n.left)
		right := walk(n.right)
		nodes[idx] = gobNode{
			FeatureIdx: n.featureIdx,
			SplitValue: n.splitValue,
			Left:       left,
			Right:      right,
		}
		return idx
	}
	walk(root)
	return gobTree{Nodes: nodes}
}

func inflateTree(t gobTree) *isolationNode {
	nodes := make([]*isolationNode, len(t.Nodes))
	var build func(idx int) *isolationNode
	build = func(idx int) *isolationNode {
		if nodes[idx] != nil {
			return nodes[idx]
		}
		g := t.Nodes[idx]
		n := &isolationNode{isExternal: g.IsExternal, size: g.Size, featureIdx: g.FeatureIdx, splitValue: g.SplitValue}
		nodes[idx] = n
		if !g.IsExternal {
			n.left = build(g.Left)
			n.right = build(g.Right)
		}
		return n
	}
	return build(0)
}

func toGobForest(f *Forest) gobForest {
	trees := make([]gobTree, len(f.Trees))
	for i, t := range f.Trees {
		trees[i] = flattenTree(t)
	}
	return gobForest{Trees: trees, SampleSize: f.SampleSize, Contamination: f.Contamination, Offset: f.offset}
}

func fromGobForest(g gobForest) *Forest {
	trees := make([]*isolationNode, len(g.Trees))
	for i, t := range g.Trees {
		trees[i] = inflateTree(t)
	}
	return &Forest{Trees: trees, SampleSize: g.SampleSize, Contamination: g.Contamination, offset: g.Offset}
}

// Save persists the forest, scaler, and metadata triple into dir using
// write-then-rename for each file so a concurrent Load never observes a
// partially written snapshot.
func Save(m *Model, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating model dir: %w", err)
	}

	if err := atomicWriteGob(filepath.Join(dir, forestFile), toGobForest(m.Forest)); err != nil {
		return fmt.Errorf("writing forest: %w", err)
	}
	if err := atomicWriteGob(filepath.Join(dir, scalerFile), m.Scaler); err != nil {
		return fmt.Errorf("writing scaler: %w", err)
	}
	if err := atomicWriteJSON(filepath.Join(dir, metaFile), m.Metadata); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	// A versioned sidecar lets /model/versions enumerate every snapshot
	// that was ever trained, not just the live one.
	versioned := filepath.Join(dir, fmt.Sprintf("%s.meta.json", sanitizeVersion(m.Metadata.Version)))
	if err := atomicWriteJSON(versioned, m.Metadata); err != nil {
		return fmt.Errorf("writing versioned metadata: %w", err)
	}
	return nil
}

func sanitizeVersion(v string) string {
	if v == "" {
		return "unversioned"
	}
	out := make([]rune, 0, len(v))
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			out = append(out, r)
			continue
		}
		out = append(out, '_')
	}
	return string(out)
}

// Load reads the forest, scaler, and metadata triple from dir.
func Load(dir string) (*Model, error) {
	var gf gobForest
	if err := readGob(filepath.Join(dir, forestFile), &gf); err != nil {
		return nil, fmt.Errorf("reading forest: %w", err)
	}
	var scaler Scaler
	if err := readGob(filepath.Join(dir, scalerFile), &scaler); err != nil {
		return nil, fmt.Errorf("reading scaler: %w", err)
	}
	var meta Metadata
	if err := readJSON(filepath.Join(dir, metaFile), &meta); err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	return &Model{Forest: fromGobForest(gf), Scaler: &scaler, Metadata: meta}, nil
}

// Backup atomically copies the current snapshot triple into a timestamped
// directory under dir/backups.
func Backup(dir string) (string, error) {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	dest := filepath.Join(dir, "backups", stamp)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}
	for _, f := range []string{forestFile, scalerFile, metaFile} {
		if err := atomicCopy(filepath.Join(dir, f), filepath.Join(dest, f)); err != nil {
			return "", fmt.Errorf("backing up %s: %w", f, err)
		}
	}
	return dest, nil
}

func atomicCopy(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return atomicWrite(dst, data)
}

func atomicWriteGob(path string, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	return atomicWrite(path, buf.Bytes())
}

func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// atomicWrite writes data to a temp file in the same directory as path,
// then renames it into place, so readers never see a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func readGob(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
