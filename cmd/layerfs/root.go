package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/config"
)

// cli holds the state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string

	log      *logrus.Logger
	mount    *config.Mount
	registry *layerfs.Registry
}

func NewRootCmd() *cobra.Command {
	c := &cli{log: logrus.New()}

	cmd := &cobra.Command{
		Use:           "layerfs",
		Short:         "Inspect and modify a layered filesystem mount",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// required flags are checked by cobra only after this hook
			if err := cmd.ValidateRequiredFlags(); err != nil {
				return err
			}
			c.log.SetOutput(cmd.ErrOrStderr())
			level, err := logrus.ParseLevel(c.logLevel)
			if err != nil {
				return err
			}
			c.log.SetLevel(level)
			return c.open()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.mount == nil {
				return nil
			}
			return c.mount.Close()
		},
	}

	c.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newLsCmd(c),
		newCatCmd(c),
		newWriteCmd(c),
		newMkdirCmd(c),
		newRmCmd(c),
		newMvCmd(c),
		newCpCmd(c),
		newAttrCmd(c),
		newWatchCmd(c),
	)
	return cmd
}

func (c *cli) addFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&c.configPath, "config", "c", "", "path to mount configuration file")
	flags.StringVar(&c.logLevel, "log-level", "warning", "log level (trace, debug, info, warning, error)")
	_ = cobra.MarkFlagRequired(flags, "config")
}

func (c *cli) open() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	mount, err := cfg.Build(c.log)
	if err != nil {
		return err
	}
	registry, err := mount.Registry()
	if err != nil {
		return err
	}
	c.mount, c.registry = mount, registry
	return nil
}

// ref parses a command line node argument. "system:path" names a node of
// any registered system; a plain path names a node of the mount.
func (c *cli) ref(arg string) layerfs.Ref {
	if system, _, ok := strings.Cut(arg, ":"); ok {
		if _, known := c.registry.Lookup(system); known {
			if ref, err := layerfs.ParseRef(arg); err == nil {
				return ref
			}
		}
	}
	return layerfs.Ref{System: c.mount.FS.SystemName(), Path: arg}
}

// find resolves arg to an existing node.
func (c *cli) find(arg string) (*layerfs.Node, error) {
	return c.registry.Resolve(c.ref(arg))
}

// findParent resolves the folder that holds arg and returns it with the
// last path element.
func (c *cli) findParent(arg string) (*layerfs.Node, string, error) {
	ref := c.ref(arg)
	p := strings.Trim(ref.Path, "/")
	if p == "" {
		return nil, "", layerfs.ErrCannotRenameOrDeleteRoot
	}
	dir, name := "", p
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		dir, name = p[:i], p[i+1:]
	}
	parent, err := c.registry.Resolve(layerfs.Ref{System: ref.System, Path: dir})
	if err != nil {
		return nil, "", err
	}
	if !parent.IsFolder() {
		return nil, "", fmt.Errorf("%s: %w", parent, layerfs.ErrNotAFolder)
	}
	return parent, name, nil
}

// withLock runs fn with the lock of n held.
func withLock(n *layerfs.Node, fn func(l *layerfs.Lock) error) error {
	l, err := n.Lock()
	if err != nil {
		return err
	}
	defer l.Release()
	return fn(l)
}

var errIsFolder = errors.New("is a folder")
