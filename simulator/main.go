package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

func main() {
	cfg := parseFlags()
	if cfg.Count <= 0 {
		log.Fatalf("invalid config: count must be positive")
	}
	if cfg.Compartments <= 0 {
		log.Fatalf("invalid config: compartments must be positive")
	}

	if !cfg.Verbose {
		log.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	strat := buildStrategy(cfg)
	runDevices(ctx, cfg, strat)
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.IntVar(&cfg.Count, "count", 1, "number of devices")
	flag.DurationVar(&cfg.ConfirmLatency, "confirm-latency", 0, "confirmation latency")
	flag.Float64Var(&cfg.DropRate, "drop-rate", 0, "confirmation drop rate")
	flag.IntVar(&cfg.FailFirst, "fail-first", 0, "report failure for the first N commands")
	flag.DurationVar(&cfg.StatusInterval, "status-interval", 30*time.Second, "status publish interval")
	flag.IntVar(&cfg.Compartments, "compartments", 4, "compartments per device")
	flag.IntVar(&cfg.InitialQuantity, "quantity", 30, "initial pills per compartment")
	flag.IntVar(&cfg.BatteryDrainPct, "battery-drain", 1, "battery percent lost per status publish")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")
	flag.Parse()
	return cfg
}

func buildStrategy(cfg Config) ConfirmStrategy {
	switch {
	case cfg.FailFirst > 0:
		return &FailFirstConfirm{N: cfg.FailFirst, Delay: cfg.ConfirmLatency}
	case cfg.DropRate >= 1:
		return SilentConfirm{}
	case cfg.DropRate > 0:
		return RandomConfirm{Delay: cfg.ConfirmLatency, DropRate: cfg.DropRate}
	default:
		return AutoConfirm{Delay: cfg.ConfirmLatency}
	}
}

func runDevices(ctx context.Context, cfg Config, strat ConfirmStrategy) {
	var wg sync.WaitGroup
	for i := 0; i < cfg.Count; i++ {
		d := NewSimulatedDevice(fmt.Sprintf("disp%04d", i+1), cfg.Broker, strat, cfg.Compartments, cfg.InitialQuantity)
		d.StatusInterval = cfg.StatusInterval
		d.BatteryDrain = cfg.BatteryDrainPct
		wg.Add(1)
		go func(d *SimulatedDevice) {
			defer wg.Done()
			if err := d.Run(ctx); err != nil {
				log.Printf("%s: %v", d.ID, err)
			}
		}(d)
	}
	wg.Wait()
}
