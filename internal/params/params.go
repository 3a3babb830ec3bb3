// Package params serves runtime parameters and message templates.
//
// Values live in the storage parameter table so operators can tune the
// service without redeploying. Anything missing there falls back to the
// embedded defaults. Reload() swaps the whole snapshot atomically, so
// readers never observe a half-applied reload.
package params

import (
	"context"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	yaml "go.yaml.in/yaml/v3"

	logx "trackerbot/pkg/logx"
)

//go:embed defaults.yaml
var defaultsFS embed.FS

// Source is the subset of the storage layer the parameter store reads.
type Source interface {
	Parameters(ctx context.Context) (map[string]string, error)
}

type Store struct {
	src      Source
	log      logx.Logger
	defaults map[string]string
	cur      atomic.Value // map[string]string
}

func New(src Source, log logx.Logger) (*Store, error) {
	defs, err := loadDefaults()
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{src: src, log: log, defaults: defs}
	s.cur.Store(map[string]string{})
	return s, nil
}

func loadDefaults() (map[string]string, error) {
	b, err := defaultsFS.ReadFile("defaults.yaml")
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("defaults.yaml: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// Reload reads the parameter table and swaps the active snapshot.
// On read failure the previous snapshot stays active.
func (s *Store) Reload(ctx context.Context) error {
	vals, err := s.src.Parameters(ctx)
	if err != nil {
		return err
	}
	s.cur.Store(vals)
	s.log.Debug("parameters reloaded", logx.Int("count", len(vals)))
	return nil
}

// String returns the raw parameter value, falling back to the default.
func (s *Store) String(name string) string {
	vals, _ := s.cur.Load().(map[string]string)
	if v, ok := vals[name]; ok {
		return v
	}
	return s.defaults[name]
}

func (s *Store) Int(name string) int {
	raw := strings.TrimSpace(s.String(name))
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if def, err := strconv.Atoi(strings.TrimSpace(s.defaults[name])); err == nil {
		s.log.Warn("unparsable int parameter, using default",
			logx.String("name", name), logx.String("value", raw))
		return def
	}
	return 0
}

func (s *Store) Bool(name string) bool {
	switch strings.ToLower(strings.TrimSpace(s.String(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Duration parses a parameter that is either a bare number of seconds
// (possibly fractional) or a Go duration string.
func (s *Store) Duration(name string) time.Duration {
	if d, ok := parseSecondsOrDuration(s.String(name)); ok {
		return d
	}
	if d, ok := parseSecondsOrDuration(s.defaults[name]); ok {
		s.log.Warn("unparsable duration parameter, using default",
			logx.String("name", name), logx.String("value", s.String(name)))
		return d
	}
	return 0
}

func parseSecondsOrDuration(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), true
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, true
	}
	return 0, false
}

// Render formats the named template, replacing {key} placeholders with the
// given arguments. Unknown placeholders are left as-is.
func (s *Store) Render(name string, args map[string]string) string {
	text := s.String(name)
	if text == "" {
		return name
	}
	for k, v := range args {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text
}
