package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Operative-001/afetmesh/internal/config"
	"github.com/Operative-001/afetmesh/internal/identity"
	"github.com/Operative-001/afetmesh/internal/packet"
	"github.com/Operative-001/afetmesh/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "afetmesh",
	Short: "Offline emergency alerts over a phone-to-phone mesh.",
	Long: `afetmesh: emergency alerts without infrastructure.

No cell towers. No internet. No server.

Every node relays every alert it has not seen before to everyone in range,
until the hop limit is reached. A distress call reaches as far as the
chain of phones between you and help.`,
	SilenceUsage: true,
}

// ─── init ────────────────────────────────────────────────────────────────────

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a node identity and default config",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")

		id, created, err := identity.LoadOrCreate(filepath.Join(dataDir, identity.FileName))
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("\n✓ Identity generated\n")
		} else {
			fmt.Printf("\n✓ Identity already present\n")
		}
		fmt.Printf("  Node id : %s\n", id.NodeID)

		cfgPath := filepath.Join(dataDir, config.FileName)
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			cfg := config.Default()
			cfg.Node.DataDir = dataDir
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("  Config  : %s (defaults)\n\n", cfgPath)
		} else {
			fmt.Printf("  Config  : %s\n\n", cfgPath)
		}
		fmt.Println("Run 'afetmesh daemon' to join the mesh.")
		return nil
	},
}

// ─── signals ─────────────────────────────────────────────────────────────────

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "List stored signals, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		distressOnly, _ := cmd.Flags().GetBool("distress")

		st, err := store.Open(cfg.Node.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		var sigs []store.Signal
		if distressOnly {
			sigs, err = st.ByKind(packet.KindDistress)
		} else {
			sigs, err = st.All()
		}
		if err != nil {
			return err
		}
		if len(sigs) == 0 {
			fmt.Println("No signals stored.")
			return nil
		}
		for _, s := range sigs {
			fmt.Println(formatSignal(s))
		}
		return nil
	},
}

// ─── status ──────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node identity, settings and stored signal count",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		id, err := identity.Load(filepath.Join(cfg.Node.DataDir, identity.FileName))
		if err != nil {
			fmt.Println("No identity found. Run 'afetmesh init' to create one.")
			return nil
		}

		st, err := store.Open(cfg.Node.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		count, err := st.Count()
		if err != nil {
			return err
		}

		fmt.Printf("Node id   : %s\n", id.NodeID)
		fmt.Printf("Created   : %s\n", id.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Data      : %s\n", cfg.Node.DataDir)
		fmt.Printf("Marker    : %s\n", cfg.Node.Marker)
		fmt.Printf("Max hops  : %d\n", cfg.Router.MaxHops)
		fmt.Printf("Listen    : %s\n", cfg.LAN.Listen)
		fmt.Printf("Beacons   : %s every %s\n", cfg.LAN.BeaconAddr, cfg.LAN.BeaconInterval)
		fmt.Printf("Signals   : %d stored\n", count)
		return nil
	},
}

// loadConfig reads config.yaml from the --data directory and overlays the
// environment (and a .env file beside the config). An explicit --data flag
// wins over both.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	dataDir, _ := cmd.Flags().GetString("data")

	cfg, err := config.LoadOrDefault(filepath.Join(dataDir, config.FileName))
	if err != nil {
		return config.Config{}, err
	}
	if err := config.ApplyEnv(&cfg, filepath.Join(dataDir, ".env")); err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("data") {
		cfg.Node.DataDir = dataDir
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func formatSignal(s store.Signal) string {
	sender := s.SenderID
	if len(sender) > 8 {
		sender = sender[:8]
	}
	line := fmt.Sprintf("%s  %-8s from %s  hops=%d", s.CreatedAt.Local().Format("15:04:05"), s.Kind, sender, s.HopCount)
	if s.Latitude != nil && s.Longitude != nil {
		line += fmt.Sprintf("  @%s,%s", strconv.FormatFloat(*s.Latitude, 'f', 5, 64), strconv.FormatFloat(*s.Longitude, 'f', 5, 64))
	}
	if s.Message != "" {
		line += "  " + strconv.Quote(s.Message)
	}
	return line
}

func init() {
	dd := config.DefaultDataDir()

	for _, cmd := range []*cobra.Command{initCmd, daemonCmd, sendCmd, signalsCmd, statusCmd} {
		cmd.Flags().String("data", dd, "Data directory (~/.afetmesh)")
	}

	signalsCmd.Flags().Bool("distress", false, "Only list distress signals")

	for _, cmd := range []*cobra.Command{daemonCmd, sendCmd} {
		cmd.Flags().Float64("lat", 0, "Latitude attached to signals you send")
		cmd.Flags().Float64("lon", 0, "Longitude attached to signals you send")
	}
	sendCmd.Flags().Duration("wait", 15*time.Second, "How long to wait for a first peer before sending")
	sendCmd.Flags().Duration("linger", 10*time.Second, "How long to keep relaying after sending")

	simCmd.Flags().Int("nodes", 6, "Number of simulated nodes")
	simCmd.Flags().Float64("spacing", 10, "Distance between neighbouring nodes")
	simCmd.Flags().Float64("range", 12, "Radio range of every node")
	simCmd.Flags().Int("max-hops", config.DefaultMaxHops, "Hop limit")
	simCmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for links and delivery")
	simCmd.Flags().Bool("verbose", false, "Show node logs")

	rootCmd.AddCommand(initCmd, daemonCmd, sendCmd, signalsCmd, statusCmd, simCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
