package connector

import (
	"context"
	"os"
	"strings"
)

type fileConfig struct {
	Path string `json:"path"`
}

// FileSnapshot captures a file's existence, mtime and size.
type FileSnapshot struct {
	Exists bool  `json:"exists"`
	MTime  int64 `json:"mtime,omitempty"` // unix nanoseconds
	Size   int64 `json:"size,omitempty"`
}

func (*FileSnapshot) snapshotKind() Kind { return KindFile }

type fileConnector struct {
	path string
}

func newFile(cfg []byte) (Connector, error) {
	var c fileConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Path) == "" {
		return nil, configErrorf("file: path is required")
	}
	return &fileConnector{path: c.Path}, nil
}

func (f *fileConnector) Kind() Kind   { return KindFile }
func (f *fileConnector) Close() error { return nil }

func (f *fileConnector) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(f.path)
	if os.IsNotExist(err) {
		return &FileSnapshot{Exists: false}, nil
	}
	if err != nil {
		return nil, transient(err)
	}
	return &FileSnapshot{Exists: true, MTime: info.ModTime().UnixNano(), Size: info.Size()}, nil
}

func (f *fileConnector) Diff(ctx context.Context, prev, cur Snapshot) (*Change, error) {
	if prev == nil {
		return nil, nil
	}
	p, ok := prev.(*FileSnapshot)
	if !ok {
		return nil, configErrorf("file: snapshot type mismatch")
	}
	c, ok := cur.(*FileSnapshot)
	if !ok {
		return nil, configErrorf("file: snapshot type mismatch")
	}

	switch {
	case p.Exists && !c.Exists:
		return &Change{Note: "removed"}, nil
	case !p.Exists && c.Exists:
		return &Change{Note: "created"}, nil
	case c.Exists && (p.MTime != c.MTime || p.Size != c.Size):
		return &Change{Note: "changed"}, nil
	}
	return nil, nil
}
