package main

import "time"

// Config holds parameters for the simulator.
type Config struct {
	Broker          string
	Count           int
	ConfirmLatency  time.Duration
	DropRate        float64
	FailFirst       int
	StatusInterval  time.Duration
	InitialQuantity int
	Compartments    int
	BatteryDrainPct int
	Verbose         bool
}
