package connector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mustNew(t *testing.T, kind, cfg string) Connector {
	t.Helper()
	c, err := New(kind, json.RawMessage(cfg))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func snap(t *testing.T, c Connector) Snapshot {
	t.Helper()
	s, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFactoryRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name, kind, cfg string
	}{
		{"unknown kind", "webhook", `{}`},
		{"file without path", "FILE", `{}`},
		{"file unknown field", "FILE", `{"path":"/x","mode":"tail"}`},
		{"folder bad trigger", "FOLDER", `{"path":"/x","trigger":"NEW"}`},
		{"folder bad show", "FOLDER", `{"path":"/x","show":"ALL"}`},
		{"sql bad engine", "SQL", `{"engine":"oracle","database":"d","table":"t","order":"id"}`},
		{"sql injection table", "SQL", `{"engine":"sqlite","database":"d","table":"t; DROP TABLE x","order":"id"}`},
		{"sql bad order", "SQL", `{"engine":"sqlite","database":"d","table":"t","order":"id desc"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.kind, json.RawMessage(tc.cfg))
			if err == nil {
				t.Fatalf("expected config error for %s", tc.cfg)
			}
			if !IsConfigError(err) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestFileIdempotentAndChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.log")
	c := mustNew(t, "FILE", `{"path":"`+path+`"}`)
	ctx := context.Background()

	// Absent file: baseline, then no change while still absent.
	s1 := snap(t, c)
	if ch, _ := c.Diff(ctx, nil, s1); ch != nil {
		t.Fatal("baseline must not produce a change")
	}
	s2 := snap(t, c)
	if ch, _ := c.Diff(ctx, s1, s2); ch != nil {
		t.Fatal("no underlying change must not fire")
	}

	// Creation fires.
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	s3 := snap(t, c)
	ch, err := c.Diff(ctx, s2, s3)
	if err != nil || ch == nil {
		t.Fatalf("creation must fire, got %v, %v", ch, err)
	}
	if ch.Note != "created" {
		t.Fatalf("note = %q", ch.Note)
	}

	// Same mtime and size: no change.
	s4 := snap(t, c)
	if ch, _ := c.Diff(ctx, s3, s4); ch != nil {
		t.Fatal("identical file must not fire")
	}

	// Content growth fires.
	if err := os.WriteFile(path, []byte("one two"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	s5 := snap(t, c)
	if ch, _ := c.Diff(ctx, s4, s5); ch == nil {
		t.Fatal("modification must fire")
	}

	// Removal fires.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	s6 := snap(t, c)
	ch, _ = c.Diff(ctx, s5, s6)
	if ch == nil || ch.Note != "removed" {
		t.Fatalf("removal must fire, got %+v", ch)
	}
}

func TestFolderTriggers(t *testing.T) {
	// before = {a, b}, after = {b, c}
	before := &FolderSnapshot{Files: []string{"a", "b"}}
	after := &FolderSnapshot{Files: []string{"b", "c"}}

	cases := []struct {
		trigger string
		want    []string
	}{
		{TriggerAdd, []string{"c"}},
		{TriggerDel, []string{"a"}},
		{TriggerAny, []string{"a", "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.trigger, func(t *testing.T) {
			c := mustNew(t, "FOLDER", `{"path":"/tmp/x","trigger":"`+tc.trigger+`","show":"LIST"}`)
			ch, err := c.Diff(context.Background(), before, after)
			if err != nil {
				t.Fatal(err)
			}
			if ch == nil {
				t.Fatal("expected a change")
			}
			if len(ch.Items) != len(tc.want) {
				t.Fatalf("items = %v, want %v", ch.Items, tc.want)
			}
			for i := range tc.want {
				if ch.Items[i] != tc.want[i] {
					t.Fatalf("items = %v, want %v", ch.Items, tc.want)
				}
			}
			if ch.Count != len(tc.want) {
				t.Fatalf("count = %d, want %d", ch.Count, len(tc.want))
			}
		})
	}
}

func TestFolderCountHidesItems(t *testing.T) {
	c := mustNew(t, "FOLDER", `{"path":"/tmp/x","trigger":"ADD"}`)
	ch, err := c.Diff(context.Background(),
		&FolderSnapshot{Files: []string{"a"}},
		&FolderSnapshot{Files: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatal(err)
	}
	if ch == nil || ch.Count != 2 {
		t.Fatalf("want count 2, got %+v", ch)
	}
	if len(ch.Items) != 0 {
		t.Fatalf("COUNT mode must not carry items, got %v", ch.Items)
	}
}

func TestFolderSnapshotWalk(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{filepath.Join(dir, "a"), filepath.Join(sub, "b")} {
		if err := os.WriteFile(f, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	c := mustNew(t, "FOLDER", `{"path":"`+dir+`"}`)
	s := snap(t, c).(*FolderSnapshot)
	if len(s.Files) != 2 {
		t.Fatalf("want 2 files including nested, got %v", s.Files)
	}
	// Idempotence: identical set does not fire.
	s2 := snap(t, c)
	if ch, _ := c.Diff(context.Background(), s, s2); ch != nil {
		t.Fatalf("unchanged folder fired: %+v", ch)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	cases := []Snapshot{
		&FileSnapshot{Exists: true, MTime: 123, Size: 9},
		&FolderSnapshot{Files: []string{"x", "y"}},
		&SQLSnapshot{Valid: true, Max: "105"},
	}
	for _, s := range cases {
		b, err := EncodeSnapshot(s)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecodeSnapshot(s.snapshotKind(), b)
		if err != nil {
			t.Fatal(err)
		}
		gb, _ := EncodeSnapshot(got)
		if string(gb) != string(b) {
			t.Fatalf("round trip mismatch: %s vs %s", gb, b)
		}
	}
	if s, err := DecodeSnapshot(KindFile, nil); s != nil || err != nil {
		t.Fatalf("empty input must decode to nil, got %v, %v", s, err)
	}
}
