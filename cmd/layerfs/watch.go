package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/refresh"
)

func newWatchCmd(c *cli) *cobra.Command {
	var interval time.Duration
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "watch [NODE]",
		Short: "Print change events below a node until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			n, err := c.find(arg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			remove := n.AddListener(layerfs.ListenerFunc(func(_ context.Context, ev layerfs.Event) {
				line := fmt.Sprintf("%s\t%s\t%s", ev.Time.Format(time.RFC3339), ev.Kind, ev.File)
				switch ev.Kind {
				case layerfs.Renamed:
					line += "\tfrom " + joinExt(ev.OldName, ev.OldExt)
				case layerfs.AttributeChanged:
					line += fmt.Sprintf("\t%s: %s -> %s", ev.Attribute, ev.OldValue, ev.NewValue)
				}
				fmt.Fprintln(out, line)
			}), false)
			defer remove()

			cfg := c.mount.Config
			if interval == 0 {
				interval = time.Duration(cfg.RefreshInterval)
			}
			opts := []refresh.Option{
				refresh.WithInterval(interval),
				refresh.WithLogger(c.log),
			}
			if cfg.Watch {
				for _, d := range c.mount.Delegates {
					if w := refresh.WatchStore(d, c.log.WithField("delegate", d.SystemName())); w != nil {
						opts = append(opts, refresh.WithWatcher(w))
					}
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r := refresh.New(c.mount.FS, opts...)
			if err := r.Start(ctx); err != nil {
				return err
			}
			c.log.WithFields(logrus.Fields{"node": n.String(), "interval": interval}).Info("Watching")
			<-ctx.Done()
			return r.Stop(stopTimeout)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "refresh interval (default from configuration)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 5*time.Second, "maximum wait for background work on exit")
	return cmd
}

func joinExt(base, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + ext
}
