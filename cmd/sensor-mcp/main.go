// ABOUTME: MCP tool server exposing the Arduino ENS160+AHT21 board as read_sensor over stdio
// ABOUTME: Usage: sensor-mcp [-port /dev/ttyACM0] [-simulate] [-seed 1]

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/2389/agent-edge/internal/sensor"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	port := flag.String("port", envOr("SERIAL_PORT", "/dev/ttyACM0"), "serial device of the sensor board")
	timeout := flag.Duration("timeout", 8*time.Second, "time to wait for one reading line")
	simulate := flag.Bool("simulate", false, "serve simulated readings instead of the serial board")
	seed := flag.Uint64("seed", 1, "random seed for simulated readings")
	spikeEvery := flag.Int("spike-every", 0, "inject an eCO2 spike every N simulated readings (0 disables)")
	flag.Parse()

	// stdout carries the protocol, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var src sensor.Source
	if *simulate {
		src = sensor.NewSimulated(*seed, *spikeEvery)
		logger.Info("serving simulated readings", "seed", *seed)
	} else {
		src = sensor.NewSerialSource(*port, *timeout)
		logger.Info("serving serial readings", "port", *port)
	}
	defer src.Close()

	if err := sensor.NewToolServer(src, version, logger).ServeStdio(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
