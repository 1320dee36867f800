// Package manifest handles squall.toml project and runtime configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/squall/vm"
)

// FileName is the name of the manifest file looked up in project directories.
const FileName = "squall.toml"

// ErrInvalidManifest is wrapped by every validation failure.
var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest represents a squall.toml configuration.
type Manifest struct {
	Project Project  `toml:"project"`
	VM      VMConfig `toml:"vm"`
	Log     Log      `toml:"log"`

	// Dir is the directory containing the squall.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	// Entry is a serialized closure, relative to Dir.
	Entry string `toml:"entry"`
}

// VMConfig holds the runtime settings of the [vm] section.
type VMConfig struct {
	InitialStackSize    int    `toml:"initial-stack-size"`
	MaxCallDepth        int    `toml:"max-call-depth"`
	Collector           string `toml:"collector"`
	CollectEvery        *int   `toml:"collect-every"`
	NotifyAllExceptions bool   `toml:"notify-all-exceptions"`
	DebugInfo           bool   `toml:"debug-info"`
}

// Log configures the [log] section.
type Log struct {
	Level string `toml:"level"`
}

// Collector modes accepted in [vm] collector.
const (
	CollectorTracing  = "tracing"
	CollectorRefCount = "refcount"
)

var logLevels = map[string]commonlog.Level{
	"none":     commonlog.None,
	"critical": commonlog.Critical,
	"error":    commonlog.Error,
	"warning":  commonlog.Warning,
	"notice":   commonlog.Notice,
	"info":     commonlog.Info,
	"debug":    commonlog.Debug,
}

// Default returns a manifest with every default applied.
func Default(name string) *Manifest {
	m := &Manifest{Project: Project{Name: name, Version: "0.1.0", Entry: "main.cnut"}}
	m.applyDefaults()
	return m
}

// Load parses a squall.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a squall.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Write stores the manifest as squall.toml in dir.
func (m *Manifest) Write(dir string) error {
	path := filepath.Join(dir, FileName)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return fmt.Errorf("cannot encode %s: %w", path, err)
	}
	return f.Close()
}

func (m *Manifest) applyDefaults() {
	def := vm.DefaultConfig()
	if m.VM.InitialStackSize == 0 {
		m.VM.InitialStackSize = def.InitialStackSize
	}
	if m.VM.MaxCallDepth == 0 {
		m.VM.MaxCallDepth = def.MaxCallDepth
	}
	if m.VM.Collector == "" {
		m.VM.Collector = CollectorTracing
	}
	if m.VM.CollectEvery == nil {
		n := def.CollectEvery
		m.VM.CollectEvery = &n
	}
	if m.Log.Level == "" {
		m.Log.Level = "warning"
	}
}

// Validate reports the first setting that cannot be turned into a VM
// configuration.
func (m *Manifest) Validate() error {
	switch strings.ToLower(m.VM.Collector) {
	case CollectorTracing, CollectorRefCount:
	default:
		return fmt.Errorf("%w: unknown collector %q (want %q or %q)",
			ErrInvalidManifest, m.VM.Collector, CollectorTracing, CollectorRefCount)
	}
	if m.VM.InitialStackSize < 0 {
		return fmt.Errorf("%w: negative initial-stack-size", ErrInvalidManifest)
	}
	if m.VM.MaxCallDepth < 0 {
		return fmt.Errorf("%w: negative max-call-depth", ErrInvalidManifest)
	}
	if m.VM.CollectEvery != nil && *m.VM.CollectEvery < 0 {
		return fmt.Errorf("%w: negative collect-every", ErrInvalidManifest)
	}
	if _, ok := logLevels[strings.ToLower(m.Log.Level)]; !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidManifest, m.Log.Level)
	}
	return nil
}

// VMConfig converts the [vm] and [log] sections to a vm.Config.
func (m *Manifest) VMConfig() vm.Config {
	cfg := vm.DefaultConfig()
	cfg.InitialStackSize = m.VM.InitialStackSize
	cfg.MaxCallDepth = m.VM.MaxCallDepth
	if strings.ToLower(m.VM.Collector) == CollectorRefCount {
		cfg.Collector = vm.CollectorRefCount
	}
	if m.VM.CollectEvery != nil {
		cfg.CollectEvery = *m.VM.CollectEvery
	}
	cfg.NotifyAllExceptions = m.VM.NotifyAllExceptions
	cfg.DebugInfo = m.VM.DebugInfo
	if lvl, ok := logLevels[strings.ToLower(m.Log.Level)]; ok {
		cfg.LogLevel = lvl
	}
	return cfg
}

// EntryPath returns the absolute path of the entry closure, or "" when
// no entry is configured.
func (m *Manifest) EntryPath() string {
	if m.Project.Entry == "" {
		return ""
	}
	if filepath.IsAbs(m.Project.Entry) {
		return m.Project.Entry
	}
	return filepath.Join(m.Dir, m.Project.Entry)
}
