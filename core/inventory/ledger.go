// Package inventory owns per-compartment pill counts. The ledger is the
// only component allowed to mutate compartment quantities; all mutations to
// one compartment are serialized relative to each other while independent
// compartments proceed in parallel.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tmarchal/medispense/core/events"
	"github.com/tmarchal/medispense/core/logger"
	"github.com/tmarchal/medispense/core/metrics"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
	"github.com/tmarchal/medispense/internal/eventbus"
)

var (
	// ErrInsufficientStock is returned when a consume exceeds the current quantity.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrCapacityExceeded is returned when a device-reported absolute count
	// exceeds the compartment capacity.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrUnknownCompartment is returned for ids not present in the store.
	ErrUnknownCompartment = errors.New("unknown compartment")
)

// Ledger applies consume, restore and sync operations to compartments.
type Ledger struct {
	store     store.DeviceStore
	bus       *eventbus.Bus[events.Event]
	sink      metrics.Sink
	log       logger.Logger
	threshold int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates a Ledger. lowStockThreshold is the quantity at or below
// which a low-inventory signal is emitted.
func NewLedger(st store.DeviceStore, bus *eventbus.Bus[events.Event], sink metrics.Sink, log logger.Logger, lowStockThreshold int) (*Ledger, error) {
	if st == nil {
		return nil, fmt.Errorf("inventory: nil store provided to NewLedger")
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if lowStockThreshold < 0 {
		lowStockThreshold = 0
	}
	return &Ledger{
		store:     st,
		bus:       bus,
		sink:      sink,
		log:       log,
		threshold: lowStockThreshold,
		locks:     map[string]*sync.Mutex{},
	}, nil
}

// lock returns the mutex serializing operations on one compartment.
func (l *Ledger) lock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// Consume atomically decrements the compartment by qty. It fails with
// ErrInsufficientStock when the current quantity is lower than qty.
func (l *Ledger) Consume(ctx context.Context, compartmentID string, qty int, actor string) error {
	if qty <= 0 {
		return fmt.Errorf("inventory: consume quantity must be positive")
	}
	mu := l.lock(compartmentID)
	mu.Lock()
	defer mu.Unlock()

	c, err := l.store.Compartment(ctx, compartmentID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownCompartment, compartmentID)
	}
	if c.Quantity < qty {
		return fmt.Errorf("%w: compartment %s has %d, need %d", ErrInsufficientStock, compartmentID, c.Quantity, qty)
	}
	prior := c.Quantity
	c.Quantity -= qty
	if err := l.store.SaveCompartment(ctx, c, actor); err != nil {
		return err
	}
	low := prior > l.threshold && c.Quantity <= l.threshold
	l.publish(c, prior, low, "consume")
	return nil
}

// Restore atomically increments the compartment by qty. The increment is a
// relative correction and silently clamps at capacity.
func (l *Ledger) Restore(ctx context.Context, compartmentID string, qty int, actor string) error {
	if qty <= 0 {
		return fmt.Errorf("inventory: restore quantity must be positive")
	}
	mu := l.lock(compartmentID)
	mu.Lock()
	defer mu.Unlock()

	c, err := l.store.Compartment(ctx, compartmentID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownCompartment, compartmentID)
	}
	prior := c.Quantity
	c.Quantity += qty
	if c.Quantity > c.Capacity {
		c.Quantity = c.Capacity
	}
	if err := l.store.SaveCompartment(ctx, c, actor); err != nil {
		return err
	}
	l.publish(c, prior, false, "restore")
	return nil
}

// SetAbsolute overwrites the count with a device-reported quantity,
// recording prior and new values for audit, and re-evaluates the low-stock
// signal. A reported count above capacity fails with ErrCapacityExceeded.
func (l *Ledger) SetAbsolute(ctx context.Context, compartmentID string, qty int, actor string) error {
	if qty < 0 {
		return fmt.Errorf("inventory: absolute quantity must not be negative")
	}
	mu := l.lock(compartmentID)
	mu.Lock()
	defer mu.Unlock()

	c, err := l.store.Compartment(ctx, compartmentID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownCompartment, compartmentID)
	}
	if qty > c.Capacity {
		return fmt.Errorf("%w: compartment %s capacity %d, reported %d", ErrCapacityExceeded, compartmentID, c.Capacity, qty)
	}
	prior := c.Quantity
	c.Quantity = qty
	if err := l.store.SaveCompartment(ctx, c, actor); err != nil {
		return err
	}
	if l.log != nil {
		l.log.Infof("compartment %s synced %d -> %d by %s", compartmentID, prior, qty, actor)
	}
	l.publish(c, prior, c.Quantity <= l.threshold, "sync")
	return nil
}

// Threshold returns the configured low-stock threshold.
func (l *Ledger) Threshold() int { return l.threshold }

func (l *Ledger) publish(c model.Compartment, prior int, low bool, cause string) {
	if l.bus != nil {
		l.bus.Publish(events.InventoryEvent{Compartment: c, Prior: prior, LowStock: low, Cause: cause})
	}
	if err := recordLevel(l.sink, c, low); err != nil && l.log != nil {
		l.log.Errorf("inventory metrics error: %v", err)
	}
}

func recordLevel(sink metrics.Sink, c model.Compartment, low bool) error {
	ir, ok := sink.(metrics.InventoryRecorder)
	if !ok {
		return nil
	}
	return ir.RecordInventoryLevel(metrics.InventoryLevelEvent{
		CompartmentID: c.ID,
		DeviceID:      c.DeviceID,
		MedicationID:  c.MedicationID,
		Quantity:      c.Quantity,
		Capacity:      c.Capacity,
		LowStock:      low,
		Time:          time.Now(),
	})
}
