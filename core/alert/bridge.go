package alert

import (
	"context"
	"fmt"

	"github.com/tmarchal/medispense/core/events"
	"github.com/tmarchal/medispense/core/logger"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
	"github.com/tmarchal/medispense/internal/eventbus"
)

// Bridge subscribes to ledger events and raises low-inventory alerts when
// a compartment crosses its threshold. The fingerprint dedupe in Raise
// keeps repeated crossings from stacking alerts.
type Bridge struct {
	engine  *Engine
	devices store.DeviceStore
	bus     *eventbus.Bus[events.Event]
	log     logger.Logger
}

// NewBridge creates a Bridge.
func NewBridge(engine *Engine, devices store.DeviceStore, bus *eventbus.Bus[events.Event], log logger.Logger) (*Bridge, error) {
	if engine == nil || devices == nil || bus == nil {
		return nil, fmt.Errorf("alert: nil parameter provided to NewBridge")
	}
	return &Bridge{engine: engine, devices: devices, bus: bus, log: log}, nil
}

// Run consumes bus events until the context is canceled.
func (b *Bridge) Run(ctx context.Context) {
	sub := b.bus.Subscribe(32)
	defer b.bus.Unsubscribe(sub)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if inv, isInv := ev.(events.InventoryEvent); isInv && inv.LowStock {
				b.lowStock(ctx, inv)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) lowStock(ctx context.Context, inv events.InventoryEvent) {
	c := inv.Compartment
	dev, err := b.devices.Device(ctx, c.DeviceID)
	if err != nil {
		if b.log != nil {
			b.log.Errorf("low-stock alert: device %s: %v", c.DeviceID, err)
		}
		return
	}
	if _, err := b.engine.Raise(ctx, model.Alert{
		PatientID:    dev.PatientID,
		MedicationID: c.MedicationID,
		DeviceID:     c.DeviceID,
		Type:         model.AlertLowInventory,
		Severity:     model.SeverityLow,
		Message:      fmt.Sprintf("compartment %s down to %d of %d", c.ID, c.Quantity, c.Capacity),
	}); err != nil && b.log != nil {
		b.log.Errorf("low-stock alert: %v", err)
	}
}
