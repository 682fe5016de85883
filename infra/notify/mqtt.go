// Package notify provides alert channel implementations delivering
// escalation notifications to recipients.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tmarchal/medispense/infra/logger"
)

// Publisher is the subset of the paho client used for push delivery.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTTChannel pushes notifications to the recipient's companion-app topic.
type MQTTChannel struct {
	cli Publisher
	qos byte
	log logger.Logger
}

// NewMQTTChannel creates a push channel on top of an existing connection.
func NewMQTTChannel(cli Publisher, qos byte) *MQTTChannel {
	return &MQTTChannel{cli: cli, qos: qos, log: logger.New("notify-mqtt")}
}

func (c *MQTTChannel) Name() string { return "push" }

// Send publishes the message to notify/<recipient>.
func (c *MQTTChannel) Send(ctx context.Context, recipient, message string) error {
	if c.cli == nil {
		return fmt.Errorf("push channel not connected")
	}
	payload, err := json.Marshal(struct {
		Recipient string    `json:"recipient"`
		Message   string    `json:"message"`
		SentAt    time.Time `json:"sentAt"`
	}{recipient, message, time.Now()})
	if err != nil {
		return err
	}
	token := c.cli.Publish("notify/"+recipient, c.qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("push to %s timed out", recipient)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("push to %s: %w", recipient, err)
	}
	c.log.Debugf("pushed notification to %s", recipient)
	return nil
}
