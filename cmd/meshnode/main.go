// Command meshnode is an interactive demo chat client over the mesh
// core, generalizing the teacher's examples/chat/chat.go stdin/stdout
// loop from a single ZRE group to a host-or-client mesh device per
// spec.md §4.10's role split.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jkgulay/resqlink-sub005/internal/config"
	"github.com/jkgulay/resqlink-sub005/internal/logging"
	"github.com/jkgulay/resqlink-sub005/internal/mesh"
	"github.com/jkgulay/resqlink-sub005/internal/meshwire"
)

var (
	flagName        string
	flagConfig      string
	flagIDFile      string
	flagListen      int
	flagJoin        string
	flagEmergency   bool
	flagDeviceTag   string
	flagVerbose     bool
	flagMetricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "meshnode",
		Short: "Interactive chat client over the emergency messaging mesh",
		RunE:  run,
	}
	root.Flags().StringVar(&flagName, "name", "anonymous", "display name announced to the group")
	root.Flags().StringVar(&flagConfig, "config", "", "path to a YAML config file overriding defaults")
	root.Flags().StringVar(&flagIDFile, "id-file", "meshnode_id", "file persisting this installation's stable device UUID")
	root.Flags().IntVar(&flagListen, "listen-port", 0, "TCP port to bind as group owner (0 = let the OS pick a free port, which is not reported)")
	root.Flags().StringVar(&flagJoin, "join", "", "group owner address (host:port) to join as a client; omit to host")
	root.Flags().BoolVar(&flagEmergency, "emergency", false, "use the emergency timing profile (shorter timeouts, faster reconnects)")
	root.Flags().StringVar(&flagDeviceTag, "device-tag", "generic", "platform device-name string carried in the handshake")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug-level logging")
	root.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "127.0.0.1:9090", "address the Prometheus /metrics endpoint binds to")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meshnode:", err)
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
	if flagListen != 0 {
		cfg.ListenPort = flagListen
	}
	if flagEmergency {
		cfg.Profile = config.ProfileEmergency
	}

	localID, err := loadOrCreateDeviceID(flagIDFile)
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsRegistry := prometheus.NewRegistry()
	metricsReg := prometheus.WrapRegistererWithPrefix("meshnode_", metricsRegistry)
	serveMetrics(flagMetricsAddr, metricsRegistry, log)

	coord := mesh.New(cfg, localID, flagName,
		mesh.WithLogger(log),
		mesh.WithEmergencyMode(flagEmergency),
		mesh.WithDeviceTag(flagDeviceTag),
		mesh.WithRegisterer(metricsReg),
		mesh.WithCallbacks(mesh.Callbacks{
			OnMessageReceived: func(m *meshwire.Message) {
				fmt.Printf("\r%s[%s]: %s\n> ", timestampLabel(m.TimestampMs), m.FromUser, m.Payload)
			},
			OnNeighbourConnected: func(id, name string) {
				fmt.Printf("\r* %s (%s) joined\n> ", name, shortID(id))
			},
			OnNeighbourDisconnected: func(id string) {
				fmt.Printf("\r* %s left\n> ", shortID(id))
			},
			OnRegistryChanged: func() {
				log.Debug("registry changed")
			},
			OnQualityDegraded: func(id string) {
				fmt.Printf("\r* link quality to %s degraded\n> ", shortID(id))
			},
		}),
	)
	defer coord.Close()

	if flagJoin == "" {
		if err := coord.HostGroup(ctx); err != nil {
			return fmt.Errorf("host group: %w", err)
		}
		fmt.Printf("hosting on port %d as %s (%s)\n", cfg.ListenPort, flagName, localID)
	} else {
		if err := coord.JoinGroup(ctx, flagJoin); err != nil {
			return fmt.Errorf("join group: %w", err)
		}
		fmt.Printf("joined %s as %s (%s)\n", flagJoin, flagName, localID)
	}

	return inputLoop(ctx, coord)
}

// inputLoop mirrors the teacher's examples/chat stdin-reading goroutine
// feeding a select loop, generalized to mesh text messages: a line of
// the form "@<device-id> text" sends directly (awaiting the ack), a
// bare line broadcasts.
func inputLoop(ctx context.Context, coord *mesh.Coordinator) error {
	fmt.Print("> ")
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				fmt.Print("> ")
				continue
			}
			target, text := parseTarget(line)
			var err error
			if target != "" {
				sendCtx, cancel := context.WithTimeout(ctx, 5*cfgAckWindow)
				err = coord.SendTextAwaitAck(sendCtx, target, text)
				cancel()
			} else {
				err = coord.SendText("", text)
			}
			if err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
			fmt.Print("> ")
		}
	}
}

// serveMetrics exposes reg on addr under /metrics in the background,
// grounded on the flow-enricher/global-monitor cmd pattern of a
// dedicated prometheus.Registry plus a promhttp.HandlerFor goroutine
// (SPEC_FULL.md §12's metrics surface).
func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server stopped", "err", err)
		}
	}()
}

// cfgAckWindow is a conservative per-send bound independent of the
// coordinator's own profile-selected ack timeout, since the CLI already
// knows nothing about whether emergency mode is active at this call site.
const cfgAckWindow = 1e9 // 1 second, expressed in time.Duration's ns unit

func parseTarget(line string) (target, text string) {
	if len(line) > 0 && line[0] == '@' {
		for i, r := range line {
			if r == ' ' {
				return line[1:i], line[i+1:]
			}
		}
	}
	return "", line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func timestampLabel(ms int64) string {
	return fmt.Sprintf("[%d]", ms)
}

func loadOrCreateDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if !os.IsNotExist(err) && err != nil {
		return "", err
	}

	id := uuid.NewString()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
