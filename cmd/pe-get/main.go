package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	midipe "github.com/ehrlich-b/go-midipe"
	"github.com/ehrlich-b/go-midipe/internal/config"
	"github.com/ehrlich-b/go-midipe/internal/logging"
	"github.com/ehrlich-b/go-midipe/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		device     = flag.String("device", "", "Rawmidi device (overrides config)")
		muidStr    = flag.String("muid", "", "Destination MUID, hex (e.g. 0x1234567)")
		resource   = flag.String("resource", "DeviceInfo", "PE resource to read")
		setFile    = flag.String("set", "", "Write the resource from this file instead of reading")
		timeout    = flag.Duration("timeout", 0, "Per-request timeout (0 = config default)")
		verbose    = flag.Bool("v", false, "Verbose output")
		showStats  = flag.Bool("stats", false, "Dump client metrics on exit")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Invalid config '%s': %v", *configPath, err)
		}
	}
	if *device != "" {
		cfg.Device.Path = *device
	}

	destination, err := parseMUID(*muidStr)
	if err != nil {
		log.Fatalf("Invalid MUID '%s': %v", *muidStr, err)
	}

	// Set up logging
	logCfg := &logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Console: cfg.Logging.Console,
	}
	if *verbose {
		logCfg.Level = logging.LevelDebug
		logCfg.Console = true
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	// Open the MIDI transport
	port, err := transport.OpenRawMIDI(transport.RawMIDIConfig{
		Device:         cfg.Device.Path,
		BytesPerSecond: cfg.Device.BytesPerSecond,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("Failed to open %s: %v", cfg.Device.Path, err)
	}

	client, err := midipe.NewClient(port, &midipe.Options{
		SourceMUID:              midipe.MUID(cfg.Client.SourceMUID),
		DefaultTimeout:          cfg.Client.DefaultTimeout,
		WarningThreshold:        cfg.Client.WarningThreshold,
		NearExhaustionThreshold: cfg.Client.NearExhaustionThreshold,
		Logger:                  logger,
	})
	if err != nil {
		port.Close()
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	// Ctrl-C cancels the in-flight request, not just the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	var header, body []byte
	if *setFile != "" {
		payload, err := os.ReadFile(*setFile)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", *setFile, err)
		}
		header, body, err = client.SetProperty(ctx, destination, *resource, payload, *timeout)
		if err != nil {
			log.Fatalf("Set %s failed: %v", *resource, err)
		}
	} else {
		header, body, err = client.GetProperty(ctx, destination, *resource, *timeout)
		if err != nil {
			log.Fatalf("Get %s failed: %v", *resource, err)
		}
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "header: %s\n", header)
		fmt.Fprintf(os.Stderr, "round trip: %s\n", time.Since(start).Round(time.Millisecond))
	}
	os.Stdout.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		fmt.Println()
	}

	if *showStats {
		snap := client.MetricsSnapshot()
		fmt.Fprintf(os.Stderr, "requests=%d success=%d failures=%d timeouts=%d chunks=%d bytes=%d avg=%s\n",
			snap.RequestsBegun, snap.Successes, snap.Failures, snap.Timeouts,
			snap.ChunksReceived, snap.ChunkBytes,
			time.Duration(snap.AvgLatencyNs))
	}
}

// parseMUID accepts "0x1234567", "1234567" (hex), or empty for broadcast.
func parseMUID(s string) (midipe.MUID, error) {
	if s == "" {
		return midipe.BroadcastMUID, nil
	}
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	if v > 0x0FFFFFFF {
		return 0, fmt.Errorf("MUID exceeds 28 bits")
	}
	return midipe.MUID(v), nil
}
