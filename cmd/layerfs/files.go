package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/absfs/layerfs"
)

func newLsCmd(c *cli) *cobra.Command {
	var long, masks bool
	cmd := &cobra.Command{
		Use:   "ls [NODE]",
		Short: "List the children of a folder",
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
			children := []*layerfs.Node{n}
			if n.IsFolder() {
				children = n.Children()
			}
			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, child := range children {
				if child.IsMask() && !masks {
					continue
				}
				name := child.Name()
				if child.IsFolder() {
					name += "/"
				}
				if !long {
					fmt.Fprintln(out, name)
					continue
				}
				leader := "-"
				if l := child.Leader(); l != nil {
					leader = l.FileSystem().SystemName()
				}
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\n",
					child.Size(), child.LastModified().Format(time.RFC3339), leader, name)
			}
			return out.Flush()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show size, modification time and leading delegate")
	cmd.Flags().BoolVar(&masks, "masks", false, "include mask entries")
	return cmd
}

func newCatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cat NODE",
		Short: "Print the content of a data node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.find(args[0])
			if err != nil {
				return err
			}
			if n.IsFolder() {
				return fmt.Errorf("%s: %w", n, errIsFolder)
			}
			r, err := n.OpenRead()
			if err != nil {
				return err
			}
			defer r.Close()
			_, err = io.Copy(cmd.OutOrStdout(), r)
			return err
		},
	}
}

func newWriteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "write NODE",
		Short: "Replace the content of a data node with standard input, creating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := c.find(args[0])
			if err != nil {
				parent, name, perr := c.findParent(args[0])
				if perr != nil {
					return perr
				}
				if n, err = parent.CreateData(ctx, name); err != nil {
					return err
				}
			}
			if n.IsFolder() {
				return fmt.Errorf("%s: %w", n, errIsFolder)
			}
			return withLock(n, func(l *layerfs.Lock) error {
				w, err := n.OpenWrite(ctx, l)
				if err != nil {
					return err
				}
				if _, err := io.Copy(w, cmd.InOrStdin()); err != nil {
					w.Close()
					return err
				}
				return w.Close()
			})
		},
	}
}

func newMkdirCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir NODE",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent, name, err := c.findParent(args[0])
			if err != nil {
				return err
			}
			_, err = parent.CreateFolder(cmd.Context(), name)
			return err
		},
	}
}

func newRmCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rm NODE",
		Short: "Delete a node, masking it where it cannot be removed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.find(args[0])
			if err != nil {
				return err
			}
			return withLock(n, func(l *layerfs.Lock) error {
				return n.Delete(cmd.Context(), l)
			})
		},
	}
}

func newMvCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mv SOURCE TARGET",
		Short: "Move or rename a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.find(args[0])
			if err != nil {
				return err
			}
			parent, name, err := c.findParent(args[1])
			if err != nil {
				return err
			}
			return withLock(n, func(l *layerfs.Lock) error {
				_, err := n.Move(cmd.Context(), l, parent, name)
				return err
			})
		},
	}
}

func newCpCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cp SOURCE TARGET",
		Short: "Copy a node, folders recursively",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.find(args[0])
			if err != nil {
				return err
			}
			parent, name, err := c.findParent(args[1])
			if err != nil {
				return err
			}
			_, err = n.Copy(cmd.Context(), parent, name)
			return err
		},
	}
}
