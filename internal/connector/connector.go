// Package connector implements the pollable source kinds.
//
// A connector observes its source as an opaque snapshot and describes the
// difference between two snapshots as a Change. Snapshots are comparable
// and JSON-encodable so poll state can survive restarts.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type Kind string

const (
	KindFile   Kind = "FILE"
	KindFolder Kind = "FOLDER"
	KindSQL    Kind = "SQL"
)

// Snapshot is a point-in-time observation of a source. Concrete types are
// per-kind and JSON-encodable.
type Snapshot interface {
	snapshotKind() Kind
}

// Change describes a detected difference between two snapshots.
type Change struct {
	// Count is the number of changed entries (files, rows). Zero when the
	// kind has no meaningful count (plain file change).
	Count int
	// Items are rendered change lines, bounded by the connector's limits.
	Items []string
	// Note is a one-line summary of the change.
	Note string
}

// Connector observes one source.
//
// Diff receives a context because some kinds (SQL) fetch the change payload
// lazily. prev may be nil on the first poll; implementations must return
// (nil, nil) in that case so a baseline never produces an event.
type Connector interface {
	Kind() Kind
	Snapshot(ctx context.Context) (Snapshot, error)
	Diff(ctx context.Context, prev, cur Snapshot) (*Change, error)
	Close() error
}

// New builds a connector for the kind from its JSON config.
// Unknown kinds and malformed configs are configuration errors.
func New(kind string, cfg json.RawMessage) (Connector, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(kind))) {
	case KindFile:
		return newFile(cfg)
	case KindFolder:
		return newFolder(cfg)
	case KindSQL:
		return newSQL(cfg)
	default:
		return nil, configErrorf("unknown connector kind %q", kind)
	}
}

// decodeConfig strictly decodes a connector config into dst.
func decodeConfig(cfg json.RawMessage, dst any) error {
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(cfg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return configErrorf("bad config: %v", err)
	}
	return nil
}

// EncodeSnapshot serializes a snapshot for persistence.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// DecodeSnapshot restores a snapshot persisted by EncodeSnapshot.
// Returns (nil, nil) for empty input.
func DecodeSnapshot(kind Kind, b []byte) (Snapshot, error) {
	if len(b) == 0 {
		return nil, nil
	}
	switch kind {
	case KindFile:
		var s FileSnapshot
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case KindFolder:
		var s FolderSnapshot
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case KindSQL:
		var s SQLSnapshot
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("unknown snapshot kind %q", kind)
	}
}
