// Package config loads layerfs mount descriptions.
//
// A mount is described by a single YAML file:
//
//	name: merged
//	propagate_masks: false
//	leaf_tolerance: 500ms
//	refresh_interval: 30s
//	watch: true
//	delegates:
//	  - name: overlay
//	    kind: memory
//	  - name: base
//	    kind: disk
//	    path: /srv/base
//	    read_only: true
//
// Delegates are listed from highest precedence to lowest.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/backend"
)

// Kind selects the backend of a delegate.
type Kind string

const (
	// Memory is a fresh in-memory tree, empty on every start.
	Memory Kind = "memory"
	// Disk is a directory on the local filesystem.
	Disk Kind = "disk"
)

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config describes one overlay mount.
type Config struct {
	// Name is the system name of the overlay.
	Name string `yaml:"name"`

	// PropagateMasks lists mask markers as children so that the mount can
	// serve as a delegate of another overlay.
	PropagateMasks bool `yaml:"propagate_masks"`

	// LeafTolerance is the modification-time jitter ignored on refresh.
	// Default: 500ms
	LeafTolerance Duration `yaml:"leaf_tolerance"`

	// RefreshInterval is the period of the background refresh walk.
	// Zero disables it.
	RefreshInterval Duration `yaml:"refresh_interval"`

	// Watch enables OS change notification for disk delegates.
	Watch bool `yaml:"watch"`

	// Delegates are ordered from highest precedence to lowest.
	Delegates []DelegateConfig `yaml:"delegates"`
}

// DelegateConfig describes one delegate.
type DelegateConfig struct {
	// Name is the system name of the delegate.
	Name string `yaml:"name"`

	// Kind is memory or disk.
	Kind Kind `yaml:"kind"`

	// Path is the root directory of a disk delegate.
	Path string `yaml:"path,omitempty"`

	// ReadOnly rejects every mutation on the delegate.
	ReadOnly bool `yaml:"read_only"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{LeafTolerance: Duration(layerfs.DefaultLeafTolerance)}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.LeafTolerance < 0 {
		errs = append(errs, errors.New("leaf_tolerance must not be negative"))
	}
	if c.RefreshInterval < 0 {
		errs = append(errs, errors.New("refresh_interval must not be negative"))
	}
	if len(c.Delegates) == 0 {
		errs = append(errs, errors.New("at least one delegate is required"))
	}
	seen := map[string]bool{c.Name: true}
	for i, d := range c.Delegates {
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Errorf("delegates[%d]: name is required", i))
		case seen[d.Name]:
			errs = append(errs, fmt.Errorf("delegates[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true
		switch d.Kind {
		case Memory:
			if d.Path != "" {
				errs = append(errs, fmt.Errorf("delegates[%d]: path is not allowed for kind memory", i))
			}
		case Disk:
			if d.Path == "" {
				errs = append(errs, fmt.Errorf("delegates[%d]: path is required for kind disk", i))
			}
		default:
			errs = append(errs, fmt.Errorf("delegates[%d]: unknown kind %q", i, d.Kind))
		}
	}
	return errors.Join(errs...)
}

// Mount is a built overlay together with its delegates.
type Mount struct {
	Config    *Config
	FS        *layerfs.MultiFS
	Delegates []*layerfs.BackendFS
	Stores    []*backend.Store
}

// Build opens every delegate and assembles the overlay.
func (c *Config) Build(log logrus.FieldLogger) (*Mount, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts := []layerfs.Option{
		layerfs.WithLogger(log),
		layerfs.WithLeafTolerance(time.Duration(c.LeafTolerance)),
	}

	mount := &Mount{Config: c}
	fss := make([]layerfs.FileSystem, 0, len(c.Delegates))
	for _, d := range c.Delegates {
		st, err := d.open()
		if err != nil {
			return nil, fmt.Errorf("delegate %s: %w", d.Name, err)
		}
		dlog := log.WithField("delegate", d.Name)
		bfs := layerfs.NewBackendFS(st, layerfs.WithLogger(dlog), layerfs.WithLeafTolerance(time.Duration(c.LeafTolerance)))
		mount.Stores = append(mount.Stores, st)
		mount.Delegates = append(mount.Delegates, bfs)
		fss = append(fss, bfs)
		dlog.WithFields(logrus.Fields{"kind": d.Kind, "read_only": d.ReadOnly}).Debug("delegate opened")
	}

	opts = append(opts, layerfs.WithDelegates(fss...), layerfs.WithPropagateMasks(c.PropagateMasks))
	mount.FS = layerfs.NewMultiFS(c.Name, opts...)
	return mount, nil
}

func (d DelegateConfig) open() (*backend.Store, error) {
	opts := []backend.Option{backend.WithReadOnly(d.ReadOnly)}
	switch d.Kind {
	case Memory:
		return backend.NewMemory(d.Name, opts...)
	case Disk:
		return backend.NewDisk(d.Name, d.Path, opts...)
	}
	return nil, fmt.Errorf("unknown kind %q", d.Kind)
}

// Registry returns a registry holding the overlay and every delegate.
func (m *Mount) Registry() (*layerfs.Registry, error) {
	r := layerfs.NewRegistry()
	if err := r.Register(m.FS); err != nil {
		return nil, err
	}
	for _, d := range m.Delegates {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Close detaches the overlay from its delegates.
func (m *Mount) Close() error {
	return m.FS.Close()
}
