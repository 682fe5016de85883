package model

import "fmt"

// Device represents a registered pill dispenser.
type Device struct {
	ID              string
	PatientID       string
	SerialNumber    string
	FirmwareVersion string
	Online          bool
	BatteryLevel    int
}

// Compartment is a single pill-holding slot on a device. Quantity is mutated
// exclusively by the inventory ledger.
type Compartment struct {
	ID           string
	DeviceID     string
	MedicationID string
	Capacity     int
	Quantity     int
}

// Validate checks the compartment invariant 0 <= quantity <= capacity.
func (c Compartment) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("compartment capacity must be positive")
	}
	if c.Quantity < 0 || c.Quantity > c.Capacity {
		return fmt.Errorf("compartment quantity %d outside [0,%d]", c.Quantity, c.Capacity)
	}
	return nil
}
