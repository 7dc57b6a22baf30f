// ABOUTME: Entry point for edge-agent, the sensor or control side of an agent pair
// ABOUTME: Runs the node and offers health, peers and init helper commands

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/config"
	"github.com/2389/agent-edge/internal/node"
	"github.com/2389/agent-edge/internal/telemetry"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
          _                                          _
  ___  __| | __ _  ___        __ _  __ _  ___ _ __ | |_
 / _ \/ _' |/ _' |/ _ \_____ / _' |/ _' |/ _ \ '_ \| __|
|  __/ (_| | (_| |  __/_____| (_| | (_| |  __/ | | | |_
 \___|\__,_|\__, |\___|      \__,_|\__, |\___|_| |_|\__|
            |___/                  |___/
`

const requestTimeout = 5 * time.Second

// getConfigPath returns the path to the agent config file, or "" when none
// exists and the agent should run from environment variables alone.
// Priority: EDGE_AGENT_CONFIG env var > XDG_CONFIG_HOME/edge-agent/config.yaml > ~/.config/edge-agent/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("EDGE_AGENT_CONFIG"); envPath != "" {
		return envPath
	}

	path := defaultConfigPath()
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "edge-agent", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: edge-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the agent")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Print the local agent card")
		fmt.Println("  peers    List discovered peer agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "peers":
		err = runPeers(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if configPath == "" {
		configPath = "(environment only)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s ", cfg.Agent.ID)
	yellow.Printf("[%s]\n", cfg.Agent.Role)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.ListenAddr())
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Peer:      %s\n", cfg.Peer.URL)
	green.Print("    ▶ ")
	fmt.Printf("Sensor:    %s\n", cfg.Sensor.Source)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, "edge-agent", cfg.Agent.ID, version)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	logger.Info("starting edge-agent",
		"config", configPath,
		"agent_id", cfg.Agent.ID,
		"role", cfg.Agent.Role,
		"listen", cfg.ListenAddr(),
		"peer", cfg.Peer.URL,
	)

	n, err := node.New(cfg, logger, node.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	return n.Run(ctx)
}

func runHealth(ctx context.Context) error {
	body, err := fetchLocal(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	card, err := a2a.ParseAgentCard(body)
	if err != nil {
		return fmt.Errorf("parsing agent card: %w", err)
	}

	fmt.Printf("%s %s (%s)\n", statusColor(string(card.Status)), card.AgentID, card.Model)
	fmt.Printf("  a2a:    %s\n", card.Endpoints.A2A)
	fmt.Printf("  health: %s\n", card.Endpoints.Health)
	return nil
}

func runPeers(ctx context.Context) error {
	body, err := fetchLocal(ctx, "/api/agents")
	if err != nil {
		return fmt.Errorf("peers check failed: %w", err)
	}

	var resp node.AgentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(resp.Agents) == 0 {
		fmt.Println("no peers discovered")
		return nil
	}
	for _, a := range resp.Agents {
		state := "offline"
		if a.Online {
			state = "online"
		}
		fmt.Printf("%s %s %s\n", statusColor(state), a.AgentID, a.URL)
		fmt.Printf("  last seen: %s\n", a.LastSeen.Format(time.RFC3339))
	}
	return nil
}

// fetchLocal GETs path from the agent described by the local config.
func fetchLocal(ctx context.Context, path string) ([]byte, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Server.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

func statusColor(status string) string {
	switch status {
	case string(a2a.StatusActive), "online":
		return color.GreenString("●")
	case string(a2a.StatusDegraded):
		return color.YellowString("●")
	default:
		return color.RedString("●")
	}
}
