package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chimelab/chime/internal/app"
	"github.com/chimelab/chime/internal/config"
)

var (
	peerDir = flag.String("dir", ".", "Peer directory (identity key, config, call history)")
	cfgFile = flag.String("config", "", "Config file path (default <dir>/chime.json)")
	version = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("Chime v%s\n", appVersion)
		return
	}

	absDir, err := filepath.Abs(*peerDir)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := *cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(absDir, "chime.json")
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config: %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Chime - peer-to-peer calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  chime [-dir <directory>] [-config <file>]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -dir      Peer directory holding identity, config and call history")
	fmt.Println("  -config   Config file path (default <dir>/chime.json)")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a peer from the current directory")
	fmt.Println("  chime")
	fmt.Println()
	fmt.Println("  # Run a peer from a dedicated directory")
	fmt.Println("  chime -dir ./peers/alice")
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                      Chime Peer                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Identity.DisplayName)
	}
	fmt.Printf("Signaling:      %s\n", cfg.Signaling.Mode)
	if cfg.Signaling.Mode == "relay" {
		fmt.Printf("Relay:          %s\n", cfg.Signaling.RelayURL)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
