package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/absfs/layerfs"
)

func newAttrCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attr",
		Short: "Read and write node attributes",
	}
	cmd.AddCommand(newAttrGetCmd(c), newAttrSetCmd(c))
	return cmd
}

func newAttrGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get NODE [NAME]",
		Short: "Print one attribute, or all of them",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.find(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 2 {
				v := n.Attribute(args[1])
				if v.IsNull() {
					return fmt.Errorf("%s: attribute %q: %w", n, args[1], layerfs.ErrNotFound)
				}
				fmt.Fprintln(out, v)
				return nil
			}
			for _, name := range n.AttributeNames() {
				v := n.Attribute(name)
				fmt.Fprintf(out, "%s\t%s\t%s\n", name, v.Kind(), v)
			}
			return nil
		},
	}
}

func newAttrSetCmd(c *cli) *cobra.Command {
	var kind string
	var clear bool
	cmd := &cobra.Command{
		Use:   "set NODE NAME [VALUE]",
		Short: "Set an attribute, or clear it with --clear",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.find(args[0])
			if err != nil {
				return err
			}
			v := layerfs.Null
			if !clear {
				if len(args) != 3 {
					return fmt.Errorf("a value is required unless --clear is given")
				}
				k, err := layerfs.ParseKind(kind)
				if err != nil {
					return err
				}
				if v, err = layerfs.ParseValue(k, args[2]); err != nil {
					return err
				}
			}
			return n.SetAttribute(cmd.Context(), args[1], v)
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", "string", "value type (string, int, float, bool, time, bytes)")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the attribute")
	return cmd
}
