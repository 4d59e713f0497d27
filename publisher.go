package harvester

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const publishTimeout = 2 * time.Second

// MQTTPublisher publishes the mission record as retained JSON.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	logger logging.Logger
}

// NewMQTTPublisher connects to the broker in cfg.
func NewMQTTPublisher(cfg MQTTConfig, logger logging.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MQTT broker %s", cfg.Broker)
	}
	logger.Infof("Publishing mission status to %s on %s", cfg.Topic, cfg.Broker)
	return newMQTTPublisher(client, cfg.Topic, logger), nil
}

func newMQTTPublisher(client mqtt.Client, topic string, logger logging.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, logger: logger}
}

func (p *MQTTPublisher) Publish(ctx context.Context, status MissionStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "failed to encode mission status")
	}
	token := p.client.Publish(p.topic, 0, true, payload)
	select {
	case <-token.Done():
	case <-time.After(publishTimeout):
		return errors.Errorf("publish to %s timed out", p.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", p.topic)
	}
	p.logger.Debugf("Published mission status %s", status.State)
	return nil
}

// Close disconnects after letting in-flight messages drain.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
