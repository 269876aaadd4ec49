package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/felix-dieterle/4people-sub001/internal/crypto"
	"github.com/felix-dieterle/4people-sub001/internal/directory"
	"github.com/felix-dieterle/4people-sub001/internal/interop"
	"github.com/felix-dieterle/4people-sub001/internal/metrics"
	"github.com/felix-dieterle/4people-sub001/internal/node"
	"github.com/felix-dieterle/4people-sub001/internal/transport"
)

const identityFile = "identity.json"

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".meshnode")
}

var rootCmd = &cobra.Command{
	Use:   "meshnode",
	Short: "Emergency mesh relay node.",
	Long: `meshnode relays messages across an ad-hoc mesh of peers.

Routes are discovered on demand. Messages from SEPS-compatible apps are
understood, relayed and translated for their devices.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ─── keygen ─────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		force, _ := cmd.Flags().GetBool("force")
		path := filepath.Join(dataDir, identityFile)

		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("identity already exists at %s (use --force to overwrite)", path)
		}
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := kp.Save(path); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		color.New(color.FgGreen).Fprintln(out, "✓ Identity generated")
		fmt.Fprintf(out, "  Node ID    : %s\n", kp.NodeID())
		fmt.Fprintf(out, "  Public key : %s\n", kp.PublicKeyHex())
		fmt.Fprintf(out, "  Saved to   : %s\n", path)
		return nil
	},
}

// ─── daemon ──────────────────────────────────────────────────────────────────

type daemonFlags struct {
	dataDir             string
	listen              string
	advertise           string
	kind                string
	secure              bool
	bootstrap           []string
	redial              bool
	metricsAddr         string
	helloInterval       time.Duration
	maintenanceInterval time.Duration
	logLevel            string
	console             bool
}

func readDaemonFlags(cmd *cobra.Command) daemonFlags {
	f := cmd.Flags()
	var d daemonFlags
	d.dataDir, _ = f.GetString("data")
	d.listen, _ = f.GetString("listen")
	d.advertise, _ = f.GetString("advertise")
	d.kind, _ = f.GetString("transport")
	d.secure, _ = f.GetBool("secure")
	d.bootstrap, _ = f.GetStringSlice("bootstrap")
	d.redial, _ = f.GetBool("redial")
	d.metricsAddr, _ = f.GetString("metrics")
	d.helloInterval, _ = f.GetDuration("hello-interval")
	d.maintenanceInterval, _ = f.GetDuration("maintenance-interval")
	d.logLevel, _ = f.GetString("log-level")
	d.console, _ = f.GetBool("console")
	return d
}

func newTransport(kind string, cfg transport.Config) (*transport.Stream, error) {
	switch kind {
	case "tcp":
		return transport.NewTCP(cfg)
	case "quic":
		return transport.NewQUIC(cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q (want tcp or quic)", kind)
	}
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the mesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := readDaemonFlags(cmd)

		logger, err := newLogger(flags.logLevel)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		if err := os.MkdirAll(flags.dataDir, 0o700); err != nil {
			return err
		}
		kp, created, err := crypto.LoadOrGenerate(filepath.Join(flags.dataDir, identityFile))
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		if created {
			logger.Info("generated new identity", zap.String("node", kp.NodeID()))
		}

		dir, err := directory.New(flags.dataDir)
		if err != nil {
			return fmt.Errorf("open directory: %w", err)
		}
		defer dir.Close()

		m := metrics.New("meshnode")
		tr, err := newTransport(flags.kind, transport.Config{
			NodeID:        kp.NodeID(),
			ListenAddr:    flags.listen,
			AdvertiseAddr: flags.advertise,
			Seal:          flags.secure,
			Logger:        logger,
			Metrics:       m,
		})
		if err != nil {
			return err
		}

		n, err := node.New(node.Config{
			Keys:                kp,
			Transport:           tr,
			Directory:           dir,
			Bootstrap:           flags.bootstrap,
			Redial:              flags.redial,
			HelloInterval:       flags.helloInterval,
			MaintenanceInterval: flags.maintenanceInterval,
			Transports:          []string{flags.kind},
			Logger:              logger,
			Metrics:             m,
		})
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}
		defer n.Stop()

		if flags.metricsAddr != "" {
			srv := metrics.NewServer(flags.metricsAddr, m)
			srv.StartAsync(func(err error) {
				logger.Error("metrics server", zap.Error(err))
			})
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				srv.Stop(ctx) //nolint:errcheck
			}()
		}

		out := cmd.OutOrStdout()
		banner(out, n, flags)
		c := newConsole(n, out)
		c.watch()

		done := make(chan struct{})
		if flags.console {
			go func() {
				if c.run(os.Stdin) {
					close(done)
				}
			}()
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sig:
		case <-done:
		}
		fmt.Fprintln(out, "\nShutting down.")
		return nil
	},
}

// ─── peers ───────────────────────────────────────────────────────────────────

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers remembered in the directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		dir, err := directory.New(dataDir)
		if err != nil {
			return err
		}
		defer dir.Close()
		printPeers(cmd.OutOrStdout(), dir.All())
		return nil
	},
}

// ─── status ──────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node identity and directory size",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		out := cmd.OutOrStdout()

		kp, err := crypto.LoadKeyPair(filepath.Join(dataDir, identityFile))
		if err != nil {
			fmt.Fprintln(out, "No identity found. Run 'meshnode keygen' to create one.")
			return nil
		}
		dir, err := directory.New(dataDir)
		if err != nil {
			return err
		}
		defer dir.Close()

		fmt.Fprintf(out, "Node ID   : %s\n", kp.NodeID())
		fmt.Fprintf(out, "Public key: %s\n", kp.PublicKeyHex())
		fmt.Fprintf(out, "SEPS name : %s\n", interop.InteropDeviceName(kp.NodeID()))
		fmt.Fprintf(out, "Directory : %d peers\n", dir.Len())
		return nil
	},
}

func init() {
	dd := defaultDataDir()

	for _, cmd := range []*cobra.Command{keygenCmd, daemonCmd, peersCmd, statusCmd} {
		cmd.Flags().String("data", dd, "Data directory")
	}
	keygenCmd.Flags().Bool("force", false, "Overwrite an existing identity")

	df := daemonCmd.Flags()
	df.String("listen", "0.0.0.0:4242", "Listen address for peer links")
	df.String("advertise", "", "Address peers should dial back (defaults to the listen address)")
	df.String("transport", "tcp", "Link transport: tcp or quic")
	df.Bool("secure", false, "Seal TCP links with an X25519 handshake")
	df.StringSlice("bootstrap", nil, "Peer addresses to connect on start (host:port)")
	df.Bool("redial", true, "Reconnect to peers remembered in the directory")
	df.String("metrics", "", "Serve Prometheus metrics on this address (empty = off)")
	df.Duration("hello-interval", 10*time.Second, "Interval between HELLO beacons")
	df.Duration("maintenance-interval", 30*time.Second, "Interval between route maintenance passes")
	df.String("log-level", "info", "Log level: debug, info, warn, error")
	df.Bool("console", true, "Read commands from stdin")

	rootCmd.AddCommand(keygenCmd, daemonCmd, peersCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
