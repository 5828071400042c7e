package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fedstore/pkg/api"
	"fedstore/pkg/config"
	"fedstore/pkg/crypto"
	"fedstore/pkg/federation"
	"fedstore/pkg/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fedstore",
		Short: "Federation subsystem for the storage service",
		Long: `Runs the federation side of a storage-service deployment: peer
discovery and handshake, signed message exchange, federated shares,
identity links, and the health/retention maintenance sweeps.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		keygenCmd(),
		instancesCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the federation API and maintenance loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(ctx, configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			repo, closeRepo, err := store.NewFromConfig(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer closeRepo()

			privateKey, err := cfg.Instance.LoadPrivateKey()
			if err != nil {
				return err
			}
			engine, err := crypto.NewEngine(crypto.Algorithm(cfg.Instance.Algorithm), privateKey)
			if err != nil {
				return fmt.Errorf("failed to initialize crypto engine: %w", err)
			}
			if privateKey == "" {
				logger.Warn("no signing key configured; running verify-only")
			}

			metrics := federation.NewMetrics(nil)
			replay := federation.NewReplayGuard(0, crypto.DefaultMaxMessageAge*time.Second)

			svc := federation.NewService(repo, engine,
				federation.LocalInstance{
					Domain:       cfg.Instance.Domain,
					Name:         cfg.Instance.Name,
					Version:      cfg.Instance.Version,
					Capabilities: cfg.Instance.TypedCapabilities(),
				},
				logger,
				federation.WithMetrics(metrics),
				federation.WithReplayGuard(replay),
			)

			prober := federation.NewHTTPProber()
			maint := federation.NewMaintenance(svc, repo, prober, logger,
				federation.WithProbeWorkers(cfg.Maintenance.ProbeWorkers),
				federation.WithMaintenanceMetrics(metrics),
			)

			go maint.Run(ctx,
				time.Duration(cfg.Maintenance.HealthIntervalSeconds)*time.Second,
				time.Duration(cfg.Maintenance.CleanupIntervalSeconds)*time.Second,
				cfg.Maintenance.RetentionDays,
			)

			server := api.NewServer(svc, repo, cfg.Instance.Domain, logger)
			logger.Info("federation API listening",
				zap.String("address", cfg.Server.Address),
				zap.String("domain", cfg.Instance.Domain))
			return server.Serve(ctx, cfg.Server.Address)
		},
	}
	return cmd
}

func keygenCmd() *cobra.Command {
	var (
		algorithm string
		outDir    string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a federation signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := crypto.GenerateKeyPair(crypto.Algorithm(algorithm))
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("failed to create output dir: %w", err)
			}
			privPath := fmt.Sprintf("%s/federation.key", outDir)
			pubPath := fmt.Sprintf("%s/federation.pub", outDir)

			if err := os.WriteFile(privPath, []byte(pair.PrivateKey+"\n"), 0o600); err != nil {
				return fmt.Errorf("failed to write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, []byte(pair.PublicKey+"\n"), 0o644); err != nil {
				return fmt.Errorf("failed to write public key: %w", err)
			}

			fmt.Printf("Wrote %s and %s\n", privPath, pubPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "Ed25519", "signature algorithm (Ed25519 or SHA256withRSA)")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	return cmd
}

func instancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List known federated instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(ctx, configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			repo, closeRepo, err := store.NewFromConfig(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer closeRepo()

			instances, err := repo.ListInstances(ctx, federation.InstanceFilter{})
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Println("No federated instances")
				return nil
			}

			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == 0 {
						return lipgloss.NewStyle().
							Foreground(lipgloss.Color("#ffffff")).
							Bold(true).
							Padding(0, 1)
					}
					return lipgloss.NewStyle().Padding(0, 1)
				}).
				Headers("DOMAIN", "NAME", "STATUS", "CAPABILITIES", "LAST SEEN")

			for _, inst := range instances {
				lastSeen := "never"
				if inst.LastSeenAt != nil {
					lastSeen = inst.LastSeenAt.Format(time.RFC3339)
				}
				caps := ""
				for i, c := range inst.Capabilities {
					if i > 0 {
						caps += ", "
					}
					caps += string(c)
				}
				t.Row(inst.Domain, inst.Name, renderStatus(string(inst.Status)), caps, lastSeen)
			}

			fmt.Println(t.Render())
			return nil
		},
	}
	return cmd
}

func renderStatus(status string) string {
	var color lipgloss.Color
	switch status {
	case "ONLINE":
		color = lipgloss.Color("#42c767")
	case "OFFLINE":
		color = lipgloss.Color("#ff9f43")
	case "BLOCKED":
		color = lipgloss.Color("#ff6b6b")
	default:
		color = lipgloss.Color("#6c757d")
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true).Render(status)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fedstore v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
