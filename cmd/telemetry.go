package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tmarchal/medispense/config"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/infra/logger"
	"github.com/tmarchal/medispense/infra/mqtt"
)

var (
	telemetryDevice string
	telemetryKind   string
)

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Inject a test telemetry message",
	RunE:  injectTelemetry,
}

func init() {
	telemetryCmd.Flags().StringVar(&telemetryDevice, "device", "disp0001", "device identifier")
	telemetryCmd.Flags().StringVar(&telemetryKind, "kind", "status", "message kind (status, inventory-sync, alert)")
	rootCmd.AddCommand(telemetryCmd)
}

func injectTelemetry(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logg := logger.New("telemetry-command")
	client, err := mqtt.NewPahoClient(cfg.MQTT, nil)
	if err != nil {
		return fmt.Errorf("mqtt client: %w", err)
	}
	defer client.Disconnect()

	payload, err := testPayload(telemetryKind)
	if err != nil {
		return err
	}
	env := model.TelemetryEnvelope{
		DeviceID:  telemetryDevice,
		Kind:      model.MessageKind(telemetryKind),
		Payload:   payload,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	topic := fmt.Sprintf("device/%s/telemetry", telemetryDevice)
	token := client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish telemetry: %w", err)
	}
	logg.Infof("published %s telemetry for %s", telemetryKind, telemetryDevice)
	return nil
}

func testPayload(kind string) (json.RawMessage, error) {
	switch model.MessageKind(kind) {
	case model.KindStatus:
		battery := 87
		online := true
		fw := "test-1.0.0"
		return json.Marshal(model.StatusMessage{BatteryLevel: &battery, Online: &online, FirmwareVersion: &fw})
	case model.KindInventorySync:
		return json.Marshal(model.InventorySync{CompartmentID: telemetryDevice + "-c1", Quantity: 10})
	case model.KindAlert:
		return json.Marshal(model.DeviceAlert{AlertType: "device_fault", Severity: "high", Message: "injected test alert"})
	default:
		return nil, fmt.Errorf("unsupported kind %q", kind)
	}
}
