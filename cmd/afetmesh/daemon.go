package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Operative-001/afetmesh/internal/config"
	"github.com/Operative-001/afetmesh/internal/identity"
	"github.com/Operative-001/afetmesh/internal/node"
	"github.com/Operative-001/afetmesh/internal/packet"
	"github.com/Operative-001/afetmesh/internal/radio"
	"github.com/Operative-001/afetmesh/internal/router"
	"github.com/Operative-001/afetmesh/internal/store"
	"github.com/Operative-001/afetmesh/internal/transport"
)

// lanNode is a node wired to the LAN radio and the on-disk store.
type lanNode struct {
	*node.Node
	id    *identity.Identity
	radio *radio.LANAdapter
	store *store.Store
}

func (l *lanNode) Close() {
	l.Stop()
	l.radio.Close()
	l.store.Close()
}

func openLANNode(cfg config.Config) (*lanNode, error) {
	idPath := filepath.Join(cfg.Node.DataDir, identity.FileName)
	id, err := identity.Load(idPath)
	if err != nil {
		return nil, fmt.Errorf("no identity at %s (run 'afetmesh init' first): %w", idPath, err)
	}

	st, err := store.Open(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	lan := radio.NewLAN(radio.LANConfig{
		Listen:         cfg.LAN.Listen,
		Advertise:      cfg.LAN.Advertise,
		BeaconAddr:     cfg.LAN.BeaconAddr,
		BeaconPort:     cfg.LAN.BeaconPort,
		BeaconInterval: cfg.LAN.BeaconInterval,
	})
	tr := transport.New(transport.Config{
		Adapter:     lan,
		NodeID:      id.NodeID,
		Marker:      cfg.Node.Marker,
		RetryDelay:  cfg.Transport.RetryDelay,
		EventBuffer: cfg.Transport.EventBuffer,
		AckTimeout:  cfg.Transport.AckTimeout,
		QueueLimit:  cfg.Transport.QueueLimit,
	})
	n, err := node.New(node.Config{
		Transport: tr,
		Store:     st,
		Identity:  id,
		Router: router.New(router.Config{
			MaxHops:    cfg.Router.MaxHops,
			Retention:  cfg.Router.Retention,
			MaxEntries: cfg.Router.MaxEntries,
		}),
		ReconnectDelay: cfg.Node.ReconnectDelay,
		ReapInterval:   cfg.Router.ReapInterval,
		EventBuffer:    cfg.Transport.EventBuffer,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := n.Start(); err != nil {
		lan.Close()
		st.Close()
		return nil, err
	}
	return &lanNode{Node: n, id: id, radio: lan, store: st}, nil
}

// position returns the --lat/--lon pair when both were given.
func position(cmd *cobra.Command) (lat, lon *float64) {
	if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
		return nil, nil
	}
	la, _ := cmd.Flags().GetFloat64("lat")
	lo, _ := cmd.Flags().GetFloat64("lon")
	return &la, &lo
}

// ─── daemon ──────────────────────────────────────────────────────────────────

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Join the mesh and relay alerts (this is all you need)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		n, err := openLANNode(cfg)
		if err != nil {
			return err
		}
		defer n.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Print every alert as it is admitted, ours included.
		go func() {
			for sig := range n.Processed(ctx) {
				if !sig.Kind.Durable() {
					continue
				}
				marker := "📡"
				if sig.Kind == packet.KindDistress {
					marker = "🆘"
				}
				fmt.Printf("\n%s %s\n> ", marker, formatSignal(sig))
			}
		}()

		status := n.Status()
		fmt.Printf("\n")
		fmt.Printf("  afetmesh: emergency alerts, no infrastructure\n\n")
		fmt.Printf("  Node id   : %s\n", n.id.NodeID)
		fmt.Printf("  Listening : %s\n", status.Address)
		fmt.Printf("  Beacons   : %s\n", cfg.LAN.BeaconAddr)
		fmt.Printf("  Max hops  : %d\n", cfg.Router.MaxHops)
		fmt.Printf("  Data      : %s\n", cfg.Node.DataDir)
		fmt.Printf("\n  Console:\n")
		fmt.Printf("    distress [message]   send a distress call\n")
		fmt.Printf("    safe [message]       tell others you are safe\n")
		fmt.Printf("    info [message]       share information\n")
		fmt.Printf("    peers | status\n\n")

		lat, lon := position(cmd)
		fmt.Print("> ")
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					fmt.Print("> ")
					continue
				}
				parts := strings.SplitN(line, " ", 2)
				msg := ""
				if len(parts) == 2 {
					msg = strings.TrimSpace(parts[1])
				}
				switch parts[0] {
				case "distress", "safe", "info":
					kind, _ := packet.ParseKind(strings.ToUpper(parts[0]))
					p, err := n.Send(kind, msg, lat, lon)
					if err != nil {
						fmt.Printf("error: %v\n", err)
					} else {
						fmt.Printf("✓ sent %s %s\n", p.Kind, p.ID[:8])
					}
				case "peers":
					recs := n.Peers()
					if len(recs) == 0 {
						fmt.Println("no peers seen yet")
					}
					for _, r := range recs {
						state := " "
						if r.Connected {
							state = "*"
						}
						fmt.Printf("%s %-36s %-21s rssi=%d seen %s ago\n", state, r.ID, r.Address, r.RSSI, time.Since(r.LastSeen).Truncate(time.Second))
					}
				case "status":
					s := n.Status()
					fmt.Printf("peers: %d known, %d linked; cache: %d ids\n", s.KnownPeers, len(s.Connected), s.CacheEntries)
				default:
					fmt.Printf("unknown command: %s\n", parts[0])
				}
				fmt.Print("> ")
			}
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nShutting down.")
		return nil
	},
}

// ─── send ────────────────────────────────────────────────────────────────────

var sendCmd = &cobra.Command{
	Use:   "send <distress|safe|info> [message]",
	Short: "Join the mesh briefly and send one alert",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := packet.ParseKind(strings.ToUpper(args[0]))
		if err != nil || !kind.Durable() {
			return fmt.Errorf("unknown signal kind %q: want distress, safe or info", args[0])
		}
		message := strings.Join(args[1:], " ")
		wait, _ := cmd.Flags().GetDuration("wait")
		linger, _ := cmd.Flags().GetDuration("linger")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		n, err := openLANNode(cfg)
		if err != nil {
			return err
		}
		defer n.Close()

		fmt.Printf("Waiting up to %s for a peer...\n", wait)
		deadline := time.Now().Add(wait)
		for len(n.Status().Connected) == 0 && time.Now().Before(deadline) {
			time.Sleep(200 * time.Millisecond)
		}
		peers := len(n.Status().Connected)

		lat, lon := position(cmd)
		p, err := n.Send(kind, message, lat, lon)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s %s sent to %d peer(s)\n", p.Kind, p.ID, peers)
		if peers == 0 {
			fmt.Println("No peer in range. The signal is stored locally only.")
		}

		time.Sleep(linger)
		return nil
	},
}
