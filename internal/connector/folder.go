package connector

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type folderConfig struct {
	Path    string `json:"path"`
	Trigger string `json:"trigger,omitempty"` // ADD | DEL | ANY
	Show    string `json:"show,omitempty"`    // LIST | COUNT
}

const (
	TriggerAdd = "ADD"
	TriggerDel = "DEL"
	TriggerAny = "ANY"

	ShowList  = "LIST"
	ShowCount = "COUNT"
)

// FolderSnapshot is the sorted set of file paths under the folder.
type FolderSnapshot struct {
	Files []string `json:"files"`
}

func (*FolderSnapshot) snapshotKind() Kind { return KindFolder }

type folderConnector struct {
	path    string
	trigger string
	show    string
}

func newFolder(cfg []byte) (Connector, error) {
	var c folderConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Path) == "" {
		return nil, configErrorf("folder: path is required")
	}

	trigger := strings.ToUpper(strings.TrimSpace(c.Trigger))
	if trigger == "" {
		trigger = TriggerAny
	}
	switch trigger {
	case TriggerAdd, TriggerDel, TriggerAny:
	default:
		return nil, configErrorf("folder: unknown trigger %q", c.Trigger)
	}

	show := strings.ToUpper(strings.TrimSpace(c.Show))
	if show == "" {
		show = ShowCount
	}
	switch show {
	case ShowList, ShowCount:
	default:
		return nil, configErrorf("folder: unknown show mode %q", c.Show)
	}

	return &folderConnector{path: c.Path, trigger: trigger, show: show}, nil
}

func (f *folderConnector) Kind() Kind   { return KindFolder }
func (f *folderConnector) Close() error { return nil }

func (f *folderConnector) Snapshot(ctx context.Context) (Snapshot, error) {
	var files []string
	err := filepath.WalkDir(f.path, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, filepath.ToSlash(path))
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			// A missing folder is an empty one: creation of the folder
			// with content shows up as additions on a later poll.
			return &FolderSnapshot{}, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, transient(err)
	}
	sort.Strings(files)
	return &FolderSnapshot{Files: files}, nil
}

func (f *folderConnector) Diff(ctx context.Context, prev, cur Snapshot) (*Change, error) {
	if prev == nil {
		return nil, nil
	}
	p, ok := prev.(*FolderSnapshot)
	if !ok {
		return nil, configErrorf("folder: snapshot type mismatch")
	}
	c, ok := cur.(*FolderSnapshot)
	if !ok {
		return nil, configErrorf("folder: snapshot type mismatch")
	}

	added := diffSets(c.Files, p.Files)
	removed := diffSets(p.Files, c.Files)

	var changed []string
	switch f.trigger {
	case TriggerAdd:
		changed = added
	case TriggerDel:
		changed = removed
	default:
		changed = append(append([]string{}, added...), removed...)
		sort.Strings(changed)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	ch := &Change{
		Count: len(changed),
		Note:  fmt.Sprintf("added %d file(s); removed %d file(s)", len(added), len(removed)),
	}
	if f.show == ShowList {
		ch.Items = changed
	}
	return ch, nil
}

// diffSets returns the sorted elements of a that are not in b.
func diffSets(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, s := range b {
		in[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := in[s]; !ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
