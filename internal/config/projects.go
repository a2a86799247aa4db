package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	MinPort = 0
	MaxPort = 65535
)

var (
	// ErrConfigNotFound is returned when the config file does not exist.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrConfigParse is returned when the config file is not valid JSON/YAML.
	ErrConfigParse = errors.New("config file is malformed")
	// ErrConfigInvalid is matched by every *ValidationError.
	ErrConfigInvalid = errors.New("config failed validation")
)

// ValidationError names the offending field. Index is -1 for top-level fields.
type ValidationError struct {
	Field   string
	Index   int
	Message string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 && e.Field == "" {
		return fmt.Sprintf("invalid config: projects[%d] %s", e.Index, e.Message)
	}
	if e.Index >= 0 {
		return fmt.Sprintf("invalid config: projects[%d].%s %s", e.Index, e.Field, e.Message)
	}
	if e.Field == "" {
		return "invalid config: " + e.Message
	}
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// Project is one entry of the static project list.
type Project struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Dir   string `json:"dir"`
	Start string `json:"start"`
	Port  int    `json:"port"`

	// TunnelPort is the local port the tunnel helper targets; nil means Port.
	TunnelPort *int `json:"tunnelPort,omitempty"`
}

// EffectiveTunnelPort returns TunnelPort when set, otherwise Port.
func (p Project) EffectiveTunnelPort() int {
	if p.TunnelPort != nil {
		return *p.TunnelPort
	}
	return p.Port
}

// Config is an immutable snapshot of a loaded config document.
type Config struct {
	Path     string
	Port     int
	Projects []Project
}

// FindProject does a linear scan; project lists are small.
func (c *Config) FindProject(id string) (Project, bool) {
	if c == nil {
		return Project{}, false
	}
	for _, p := range c.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return Project{}, false
}

// Load reads, decodes and validates the config document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	doc, err := decode(path, data)
	if err != nil {
		return nil, err
	}

	cfg, err := validate(doc)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// decode parses the document without judging its shape; a well-formed
// document that is not an object is a validation failure, not a parse one.
func decode(path string, data []byte) (any, error) {
	var doc any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: unexpected data after the top-level value", ErrConfigParse)
		}
	}
	return doc, nil
}

func validate(raw any) (*Config, error) {
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, &ValidationError{Index: -1, Message: "top level must be an object"}
	}

	rawPort, ok := doc["port"]
	if !ok {
		return nil, &ValidationError{Field: "port", Index: -1, Message: "is required"}
	}
	port, ok := asPort(rawPort)
	if !ok {
		return nil, &ValidationError{Field: "port", Index: -1, Message: portRule}
	}

	rawProjects, ok := doc["projects"]
	if !ok {
		return nil, &ValidationError{Field: "projects", Index: -1, Message: "is required"}
	}
	list, ok := rawProjects.([]any)
	if !ok {
		return nil, &ValidationError{Field: "projects", Index: -1, Message: "must be an array"}
	}

	cfg := &Config{Port: port, Projects: make([]Project, 0, len(list))}
	seen := make(map[string]bool, len(list))
	for i, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, &ValidationError{Field: "", Index: i, Message: "must be an object"}
		}
		p, err := validateProject(i, entry)
		if err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, &ValidationError{Field: "id", Index: i, Message: fmt.Sprintf("duplicates project %q", p.ID)}
		}
		seen[p.ID] = true
		cfg.Projects = append(cfg.Projects, p)
	}
	return cfg, nil
}

const portRule = "must be an integer between 0 and 65535"

func validateProject(i int, entry map[string]any) (Project, error) {
	var p Project
	for _, field := range []struct {
		name string
		dst  *string
	}{
		{"id", &p.ID},
		{"name", &p.Name},
		{"dir", &p.Dir},
		{"start", &p.Start},
	} {
		s, ok := entry[field.name].(string)
		if !ok || strings.TrimSpace(s) == "" {
			return Project{}, &ValidationError{Field: field.name, Index: i, Message: "must be a non-empty string"}
		}
		*field.dst = s
	}
	if strings.ContainsAny(p.ID, `/\`) || strings.Contains(p.ID, "..") {
		return Project{}, &ValidationError{Field: "id", Index: i, Message: "must not contain path separators or \"..\""}
	}

	rawPort, ok := entry["port"]
	if !ok {
		return Project{}, &ValidationError{Field: "port", Index: i, Message: "is required"}
	}
	port, ok := asPort(rawPort)
	if !ok {
		return Project{}, &ValidationError{Field: "port", Index: i, Message: portRule}
	}
	p.Port = port

	if rawTunnel, ok := entry["tunnelPort"]; ok && rawTunnel != nil {
		tp, ok := asPort(rawTunnel)
		if !ok {
			return Project{}, &ValidationError{Field: "tunnelPort", Index: i, Message: portRule}
		}
		p.TunnelPort = &tp
	}
	return p, nil
}

// asPort accepts the integer shapes produced by encoding/json (UseNumber) and yaml.v3.
func asPort(v any) (int, bool) {
	var n float64
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			n = float64(i)
			break
		}
		f, err := t.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}
		n = f
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case uint64:
		n = float64(t)
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		n = t
	default:
		return 0, false
	}
	if n < MinPort || n > MaxPort {
		return 0, false
	}
	return int(n), true
}

// Loader owns the current config snapshot. Reload swaps in a fresh instance;
// a failed reload leaves the previous one in place.
type Loader struct {
	path    string
	current atomic.Pointer[Config]
}

// NewLoader loads path once and returns a Loader holding the result.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	if _, err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Current returns the active snapshot.
func (l *Loader) Current() *Config {
	return l.current.Load()
}

// Reload re-reads the file and returns the new snapshot.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.current.Store(cfg)
	log.Infof("[CONFIG] Loaded %d projects from %s", len(cfg.Projects), l.path)
	return cfg, nil
}
