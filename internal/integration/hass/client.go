// Package hass bridges hubs to an MQTT broker using the Home Assistant
// discovery protocol: retained entity configs, a JSON state topic per
// inverter, availability topics and command topics routed to Write.
package hass

import (
	"fmt"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Client is the subset of the paho client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	IsConnected() bool
}

const tokenTimeout = 10 * time.Second

// Connect opens the broker connection for b. The bridge status topic
// carries a retained "offline" will. When the broker is not reachable in
// time the returned client keeps retrying in the background and the
// error reports the timeout.
func Connect(cfg config.MQTTConfig, b *Bridge, logger *zap.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWriteTimeout(10 * time.Second)
	opts.SetWill(b.bridgeStatusTopic(), payloadOffline, 1, true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
		// nach Reconnect alles neu ankündigen, retained Daten können fehlen
		go b.Resync()
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}
	opts.OnReconnecting = func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting")
	}

	client := mqtt.NewClient(opts)
	b.SetClient(client)

	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout + time.Second) {
		return client, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return client, nil
}

func wait(t mqtt.Token) error {
	if !t.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("mqtt: no acknowledgement within %s", tokenTimeout)
	}
	return t.Error()
}
