package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omochice/lanmesh/internal/config"
	"github.com/omochice/lanmesh/internal/gateway"
	"github.com/omochice/lanmesh/internal/mesh"
)

func main() {
	cfg := config.Default()
	var name string

	rootCmd := &cobra.Command{
		Use:   "lanmesh",
		Short: "LAN mesh chat and file sharing node",
		Long: "Discovers peers on the local network, keeps a presence list, exchanges\n" +
			"direct messages and pulls shared files. Local clients attach through the\n" +
			"WebSocket gateway.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, name)
		},
	}

	fs := flag.NewFlagSet("lanmesh", flag.ContinueOnError)
	cfg.BindFlags(fs)
	rootCmd.Flags().AddGoFlagSet(fs)
	rootCmd.Flags().StringVar(&name, "name", "", "Display name (overrides the persisted one)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, name string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	settings := config.Settings{ID: config.NewID(), Name: name}
	if cfg.SettingsPath != "" {
		loaded, err := config.LoadSettings(cfg.SettingsPath)
		if err != nil {
			return err
		}
		if name != "" {
			loaded.Name = name
		}
		if err := config.SaveSettings(cfg.SettingsPath, loaded); err != nil {
			return err
		}
		settings = loaded
	}
	if settings.Name == "" {
		return errors.New("a display name is required when no settings file is used")
	}

	node := mesh.New(cfg, settings)
	if err := node.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	log.Printf("Node %s (%s) listening on port %d", node.Name(), node.ID(), node.Port())

	var gw *gateway.Server
	if cfg.GatewayAddr != "" {
		gw = gateway.New(cfg.GatewayAddr, node)
		if err := gw.Start(); err != nil {
			node.Stop()
			return err
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	if gw != nil {
		gw.Stop()
	}
	node.Stop()
	return nil
}
