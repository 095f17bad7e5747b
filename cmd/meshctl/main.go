// Command meshctl is a read-only mesh inspector, generalizing the
// teacher's cmd/monitor's event-log-to-stdout loop from ZRE group
// enter/exit/shout events to the mesh's own registry snapshots and
// connectivity callbacks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkgulay/resqlink-sub005/internal/config"
	"github.com/jkgulay/resqlink-sub005/internal/logging"
	"github.com/jkgulay/resqlink-sub005/internal/mesh"
)

var (
	flagConfig   string
	flagJoin     string
	flagInterval time.Duration
	flagVerbose  bool
)

func main() {
	root := &cobra.Command{
		Use:   "meshctl",
		Short: "Print a live snapshot of mesh registry state",
		RunE:  run,
	}
	root.Flags().StringVar(&flagConfig, "config", "", "path to a YAML config file overriding defaults")
	root.Flags().StringVar(&flagJoin, "join", "", "group owner address (host:port) to observe; omit to host")
	root.Flags().DurationVar(&flagInterval, "interval", 3*time.Second, "fallback polling interval for the registry table")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug-level logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meshctl:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	log := logging.New(logging.Options{Level: level})

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	coord := mesh.New(cfg, uuid.NewString(), "meshctl",
		mesh.WithLogger(log),
		mesh.WithCallbacks(mesh.Callbacks{
			OnNeighbourConnected:    func(id, name string) { notify() },
			OnNeighbourDisconnected: func(id string) { notify() },
			OnRegistryChanged:       notify,
			OnQualityDegraded: func(id string) {
				fmt.Printf("! link quality to %s degraded\n", shortID(id))
			},
		}),
	)
	defer coord.Close()

	if flagJoin == "" {
		if err := coord.HostGroup(ctx); err != nil {
			return fmt.Errorf("host group: %w", err)
		}
		fmt.Printf("hosting on port %d, watching registry\n", cfg.ListenPort)
	} else {
		if err := coord.JoinGroup(ctx, flagJoin); err != nil {
			return fmt.Errorf("join group: %w", err)
		}
		fmt.Printf("joined %s, watching registry\n", flagJoin)
	}

	ticker := time.NewTicker(flagInterval)
	defer ticker.Stop()

	printTable(coord)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			printTable(coord)
		case <-ticker.C:
			printTable(coord)
		}
	}
}

func printTable(coord *mesh.Coordinator) {
	fmt.Printf("\n--- state=%s ---\n", coord.State())
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tHOPS\tCONNECTED\tHOST\tLAST SEEN")
	for _, d := range coord.Devices() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%v\t%s\n",
			shortID(d.ID), d.DisplayName, d.HopCount, d.IsConnected, d.IsHost,
			d.LastSeen.Format(time.RFC3339))
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
