package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cloudtree/cloudtree/internal/app"
	"github.com/cloudtree/cloudtree/internal/config"
	"github.com/cloudtree/cloudtree/internal/logging"
	"github.com/cloudtree/cloudtree/internal/metrics"
	"github.com/cloudtree/cloudtree/pkg/cache"
	"github.com/cloudtree/cloudtree/pkg/fuse"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

func newConnectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List configured connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printConnections(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printConnections(w io.Writer, c *config.Config) {
	active, _ := c.Active()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tNAME\tPLATFORM\tAPI ROOT\tSYNC FOLDER")
	for _, conn := range c.Connections {
		marker := ""
		if active != nil && active.Name == conn.Name {
			marker = "*"
		}
		folder := conn.LocalSyncFolder
		if folder == "" {
			folder = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", marker, conn.Name, conn.Platform, conn.APIRootURL, folder)
	}
	tw.Flush()
}

func newLsCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "ls <namespace> [path]",
		Short: "List the children of a container",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := activate(); err != nil {
				return err
			}
			t, err := core.Tree(args[0])
			if err != nil {
				return err
			}
			p := tree.Root
			if len(args) == 2 {
				p = args[1]
			}

			ctx, cancel := signalContext()
			defer cancel()
			return list(ctx, cmd.OutOrStdout(), t, p, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "re-list even when the children are cached")
	return cmd
}

// list prints the children of p. A remote failure with cached children
// still prints them, followed by the error.
func list(ctx context.Context, w io.Writer, t *cache.Tree, p string, force bool) error {
	n, err := t.Resolve(ctx, p)
	if err != nil {
		return err
	}
	if !n.IsContainer() {
		printNodes(w, []*cache.Node{n})
		return nil
	}

	children, err := n.GetChildren(ctx, force)
	printNodes(w, children)
	for _, warn := range n.Warnings() {
		fmt.Fprintf(w, "warning: %s %s\n", warn.Reason, warn.Path)
	}
	return err
}

func printNodes(w io.Writer, nodes []*cache.Node) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, n := range nodes {
		name := n.Label()
		if n.IsContainer() {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.Presence(), n.Kind(), name, n.Path())
	}
	tw.Flush()
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <namespace> [path]",
		Short: "Invalidate a container, or the whole namespace, and list it again",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := activate(); err != nil {
				return err
			}
			p := tree.Root
			if len(args) == 2 {
				p = tree.Clean(args[1])
			}
			if err := core.Refresh(args[0], p); err != nil {
				return err
			}
			t, err := core.Tree(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return list(ctx, cmd.OutOrStdout(), t, p, false)
		},
	}
}

func newWatchCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the refresh schedulers and print change events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := activate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			stopMetrics := serveMetrics(cfg.MetricsAddr)
			defer stopMetrics()

			sub := core.SubscribeNamespace(namespace)
			defer core.Unsubscribe(sub)
			core.Start(ctx)

			name, _ := core.ActiveName()
			logging.Info("watching",
				logging.String("connection", name),
				logging.Any("namespaces", core.Namespaces()))

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-sub:
					if !ok {
						return nil
					}
					fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", ev.Timestamp, ev.Type, ev.Namespace, ev.Path)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "only print events of this namespace")
	return cmd
}

// serveMetrics exposes the Prometheus endpoint when addr is set.
func serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.Info("metrics server listening", logging.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", logging.Err(err))
		}
	}()
	return func() { srv.Close() }
}

func newMountCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "mount <dir>",
		Short: "Mount the namespaces as a read-only filesystem until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := activate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			core.Start(ctx)

			server, err := fuse.New(core, fuse.Config{Debug: debug}).Mount(args[0])
			if err != nil {
				return err
			}
			logging.Info("press Ctrl+C to unmount")

			<-ctx.Done()
			logging.Info("unmounting", logging.String("mount_point", args[0]))
			if err := server.Unmount(); err != nil {
				return fmt.Errorf("unmount: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log FUSE requests")
	return cmd
}

var _ fuse.Source = (*app.App)(nil)
