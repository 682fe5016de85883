package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tmarchal/medispense/core/model"
)

// SimulatedDevice connects to MQTT, answers dispense commands and
// publishes periodic status and inventory telemetry.
type SimulatedDevice struct {
	ID       string
	Broker   string
	Strategy ConfirmStrategy

	StatusInterval time.Duration
	BatteryDrain   int

	client paho.Client
	cmdCh  chan model.DeviceCommand

	mu        sync.Mutex
	battery   int
	inventory map[string]int
}

// NewSimulatedDevice creates a device with the given compartment fill.
func NewSimulatedDevice(id, broker string, strat ConfirmStrategy, compartments, quantity int) *SimulatedDevice {
	inv := make(map[string]int, compartments)
	for i := 0; i < compartments; i++ {
		inv[fmt.Sprintf("%s-c%d", id, i+1)] = quantity
	}
	return &SimulatedDevice{
		ID:        id,
		Broker:    broker,
		Strategy:  strat,
		cmdCh:     make(chan model.DeviceCommand, 50),
		battery:   100,
		inventory: inv,
	}
}

// Run connects to the broker and serves commands until ctx is done.
func (d *SimulatedDevice) Run(ctx context.Context) error {
	cli, err := newMQTTClient(d.Broker, "sim-"+d.ID)
	if err != nil {
		return err
	}
	d.client = cli
	for i := 0; i < 3; i++ {
		go d.worker(ctx)
	}
	go d.statusLoop(ctx)
	topic := fmt.Sprintf("device/%s/command", d.ID)
	if token := cli.Subscribe(topic, 1, d.onCommand); token.Wait() && token.Error() != nil {
		cli.Disconnect(250)
		return token.Error()
	}
	<-ctx.Done()
	close(d.cmdCh)
	cli.Disconnect(250)
	return nil
}

func (d *SimulatedDevice) onCommand(_ paho.Client, msg paho.Message) {
	var cmd model.DeviceCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Printf("%s: decode command: %v", d.ID, err)
		return
	}
	select {
	case d.cmdCh <- cmd:
	default:
		log.Printf("%s: command queue full, dropping %s", d.ID, cmd.CommandID)
	}
}

func (d *SimulatedDevice) worker(ctx context.Context) {
	for {
		select {
		case cmd, ok := <-d.cmdCh:
			if !ok {
				return
			}
			d.handle(ctx, cmd)
		case <-ctx.Done():
			return
		}
	}
}

func (d *SimulatedDevice) handle(ctx context.Context, cmd model.DeviceCommand) {
	if cmd.Kind != model.CommandDispense {
		log.Printf("%s: ignoring command kind %s", d.ID, cmd.Kind)
		return
	}
	raw, err := json.Marshal(cmd.Payload)
	if err != nil {
		log.Printf("%s: re-encode payload: %v", d.ID, err)
		return
	}
	var p model.DispensePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Printf("%s: decode dispense payload: %v", d.ID, err)
		return
	}
	send, success := d.Strategy.Decide(ctx)
	if !send {
		return
	}
	conf := d.applyDispense(p, success)
	d.publish(model.KindDispensed, conf)
	if remaining, ok := d.quantity(p.CompartmentID); ok && remaining == 0 {
		d.publish(model.KindAlert, model.DeviceAlert{
			AlertType: "compartment_empty",
			Severity:  "high",
			Message:   fmt.Sprintf("compartment %s is empty", p.CompartmentID),
		})
	}
}

// applyDispense updates the local inventory and builds the confirmation.
// A failed dispense leaves the inventory untouched.
func (d *SimulatedDevice) applyDispense(p model.DispensePayload, success bool) model.DispensedConfirmation {
	conf := model.DispensedConfirmation{
		EventID:       p.EventID,
		CompartmentID: p.CompartmentID,
		Success:       success,
	}
	if !success {
		conf.ErrorMessage = "motor jam"
		return conf
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	have, ok := d.inventory[p.CompartmentID]
	if !ok || have < p.Quantity {
		conf.Success = false
		conf.ErrorMessage = "insufficient stock"
		return conf
	}
	d.inventory[p.CompartmentID] = have - p.Quantity
	qty := p.Quantity
	conf.ActualQuantity = &qty
	return conf
}

func (d *SimulatedDevice) quantity(compartmentID string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.inventory[compartmentID]
	return q, ok
}

func (d *SimulatedDevice) statusLoop(ctx context.Context) {
	if d.StatusInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.publishStatus()
		case <-ctx.Done():
			return
		}
	}
}

func (d *SimulatedDevice) publishStatus() {
	d.mu.Lock()
	if d.battery > d.BatteryDrain {
		d.battery -= d.BatteryDrain
	}
	battery := d.battery
	snapshot := make(map[string]int, len(d.inventory))
	for id, q := range d.inventory {
		snapshot[id] = q
	}
	d.mu.Unlock()

	online := true
	fw := "sim-1.0.0"
	d.publish(model.KindStatus, model.StatusMessage{
		BatteryLevel:    &battery,
		Online:          &online,
		FirmwareVersion: &fw,
	})
	for id, q := range snapshot {
		d.publish(model.KindInventorySync, model.InventorySync{CompartmentID: id, Quantity: q})
	}
}

func (d *SimulatedDevice) publish(kind model.MessageKind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("%s: marshal %s payload: %v", d.ID, kind, err)
		return
	}
	env := model.TelemetryEnvelope{
		DeviceID:  d.ID,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("%s: marshal envelope: %v", d.ID, err)
		return
	}
	topic := fmt.Sprintf("device/%s/telemetry", d.ID)
	token := d.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		log.Printf("%s: publish timeout on %s", d.ID, topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("%s: publish %s: %v", d.ID, kind, err)
	}
}
