// ABOUTME: Interactive config file creation for edge-agent
// ABOUTME: Prompts per setting with role defaults and writes a YAML config

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/agent-edge/internal/config"
)

type initAnswers struct {
	role       config.Role
	agentID    string
	location   string
	host       string
	port       string
	peerURL    string
	source     string
	serialPort string
	ledgerPath string
	reasoner   bool
	ollamaURL  string
	model      string
	tailscale  bool
	tsHostname string
	logLevel   string
	logFormat  string
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "edge-agent configuration setup")
	fmt.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	a, err := askAnswers(reader, out)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the agent:")
	fmt.Fprintf(out, "  EDGE_AGENT_CONFIG=%s edge-agent serve\n", outputFile)
	return nil
}

func askAnswers(reader *bufio.Reader, out io.Writer) (initAnswers, error) {
	var a initAnswers

	fmt.Fprintln(out, "\n--- Agent ---")
	a.role = config.Role(prompt(reader, out, "Role (sensor/control)", string(config.RoleSensor)))

	// Role defaults fill in every prompt below.
	defaults := config.Config{Agent: config.AgentConfig{Role: a.role}}
	defaults.ApplyDefaults()
	if defaults.Agent.ID == "" {
		return a, fmt.Errorf("unknown role %q", a.role)
	}

	a.agentID = prompt(reader, out, "Agent ID", defaults.Agent.ID)
	a.location = prompt(reader, out, "Location", defaults.Agent.Location)

	fmt.Fprintln(out, "\n--- Network ---")
	a.host = prompt(reader, out, "Listen host", defaults.Server.Host)
	a.port = prompt(reader, out, "Listen port", fmt.Sprint(defaults.Server.Port))
	a.peerURL = prompt(reader, out, "Peer URL", defaults.Peer.URL)

	fmt.Fprintln(out, "\n--- Sensor ---")
	a.source = prompt(reader, out, "Sensor source (none/mcp/serial/simulated)", defaults.Sensor.Source)
	if a.source == config.SourceMCP || a.source == config.SourceSerial {
		a.serialPort = prompt(reader, out, "Serial port", defaults.Sensor.SerialPort)
	}

	fmt.Fprintln(out, "\n--- Storage ---")
	a.ledgerPath = prompt(reader, out, "Event log path", defaults.Ledger.Path)

	fmt.Fprintln(out, "\n--- Reasoning ---")
	a.reasoner = yes(prompt(reader, out, "Use an Ollama model?", "yes"))
	if a.reasoner {
		a.ollamaURL = prompt(reader, out, "Ollama URL", defaults.Reasoner.URL)
		a.model = prompt(reader, out, "Model", defaults.Reasoner.Model)
	}

	fmt.Fprintln(out, "\n--- Tailscale ---")
	a.tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.tailscale {
		a.tsHostname = prompt(reader, out, "Tailscale hostname", a.agentID)
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	a.logLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.logFormat = prompt(reader, out, "Log format (text/json)", "text")

	return a, nil
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# edge-agent configuration\n")
	cfg.WriteString("# Generated by edge-agent init\n\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  id: %q\n", a.agentID))
	cfg.WriteString(fmt.Sprintf("  role: %q\n", a.role))
	if a.location != "" {
		cfg.WriteString(fmt.Sprintf("  location: %q\n", a.location))
	}
	cfg.WriteString("\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  host: %q\n", a.host))
	cfg.WriteString(fmt.Sprintf("  port: %s\n", a.port))
	cfg.WriteString("\n")

	cfg.WriteString("peer:\n")
	cfg.WriteString(fmt.Sprintf("  url: %q\n", a.peerURL))
	cfg.WriteString("\n")

	cfg.WriteString("sensor:\n")
	cfg.WriteString(fmt.Sprintf("  source: %q\n", a.source))
	if a.serialPort != "" {
		cfg.WriteString(fmt.Sprintf("  serial_port: %q\n", a.serialPort))
	}
	cfg.WriteString("  poll_interval: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("ledger:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.ledgerPath))
	cfg.WriteString("\n")

	cfg.WriteString("reasoner:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.reasoner))
	if a.reasoner {
		cfg.WriteString(fmt.Sprintf("  url: %q\n", a.ollamaURL))
		cfg.WriteString(fmt.Sprintf("  model: %q\n", a.model))
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.tailscale))
	if a.tailscale {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.tsHostname))
		cfg.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	return cfg.String()
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}

	if input == "" {
		return defaultVal
	}
	return input
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}
