// ABOUTME: Opens the configured sensor source: MCP subprocess, serial device or simulation
// ABOUTME: A "none" source leaves the agent without a poll loop

package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/agent-edge/internal/config"
	"github.com/2389/agent-edge/internal/sensor"
)

func openSource(ctx context.Context, cfg config.SensorConfig, version string, logger *slog.Logger) (sensor.Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Source {
	case config.SourceNone, "":
		return nil, nil
	case config.SourceMCP:
		env := []string{"SERIAL_PORT=" + cfg.SerialPort}
		src, err := sensor.NewMCPSource(ctx, cfg.Command, cfg.Args, env, version, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sensor source: %w", err)
		}
		return src, nil
	case config.SourceSerial:
		return sensor.NewSerialSource(cfg.SerialPort, cfg.SerialTimeout), nil
	case config.SourceSimulated:
		logger.Info("using simulated sensor", "seed", cfg.Seed, "spike_every", cfg.SpikeEvery)
		return sensor.NewSimulated(cfg.Seed, cfg.SpikeEvery), nil
	default:
		return nil, fmt.Errorf("unknown sensor source %q", cfg.Source)
	}
}
