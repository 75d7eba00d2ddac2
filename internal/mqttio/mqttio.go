// SPDX-License-Identifier: MIT

// Package mqttio connects the daemon to the message bus: it subscribes
// to the command topics, feeds the command router, and publishes
// responses and state broadcasts.
package mqttio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/pidicon/pidicon/internal/command"
	"github.com/pidicon/pidicon/internal/config"
	"github.com/pidicon/pidicon/internal/runtime"
)

// Dispatcher is the router-side contract. *command.Router satisfies it.
type Dispatcher interface {
	Handle(cmd command.Command) error
}

// Client is the bus client. It implements both suture's Service
// interface (Serve) and runtime.Publisher.
type Client struct {
	cfg        config.MQTTConfig
	dispatcher Dispatcher
	logger     *slog.Logger
	client     paho.Client
}

// New builds the client. The underlying connection is established in
// Serve.
func New(cfg config.MQTTConfig, dispatcher Dispatcher, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With("component", "mqtt"),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("bus connection lost", "error", err)
		}).
		SetOnConnectHandler(func(cl paho.Client) {
			c.logger.Info("bus connected", "broker", cfg.BrokerURL)
			// Re-subscribe on every (re)connect.
			filter := command.CommandFilter(cfg.Prefix)
			token := cl.Subscribe(filter, 0, c.onMessage)
			go func() {
				if token.Wait() && token.Error() != nil {
					c.logger.Error("bus subscribe failed", "filter", filter, "error", token.Error())
				}
			}()
		})
	c.client = paho.NewClient(opts)
	return c
}

// Serve connects and holds the bus session until ctx is canceled.
func (c *Client) Serve(ctx context.Context) error {
	token := c.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		// The supervisor restarts us with backoff.
		return fmt.Errorf("failed to connect to bus: %w", err)
	}

	<-ctx.Done()
	c.client.Disconnect(250)
	c.logger.Info("bus disconnected")
	return ctx.Err()
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.handleMessage(msg.Topic(), msg.Payload())
}

// handleMessage parses one inbound topic + payload and dispatches it.
// Invalid topics (including our own response topics echoed by the
// wildcard) are dropped with a debug log.
func (c *Client) handleMessage(topic string, payload []byte) {
	deviceID, section, action, err := command.ParseTopic(c.cfg.Prefix, topic)
	if err != nil {
		c.logger.Debug("dropped bus message", "topic", topic, "reason", err)
		return
	}

	var body map[string]any
	if len(payload) > 0 {
		if uerr := json.Unmarshal(payload, &body); uerr != nil {
			c.logger.Warn("malformed command payload", "topic", topic, "error", uerr)
			return
		}
	}

	// Handle publishes its own ok/error responses.
	_ = c.dispatcher.Handle(command.Command{
		DeviceID: deviceID,
		Section:  section,
		Action:   action,
		Payload:  body,
		Source:   "bus",
	})
}

// PublishRaw publishes bytes to an arbitrary topic. The matrix
// transport uses this as its frame sink.
func (c *Client) PublishRaw(topic string, payload []byte) error {
	token := c.client.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) publishJSON(topic string, retain bool, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to encode bus payload", "topic", topic, "error", err)
		return
	}
	token := c.client.Publish(topic, 0, retain, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			c.logger.Warn("bus publish failed", "topic", topic, "error", token.Error())
		}
	}()
}

// SceneState implements runtime.Publisher. State broadcasts are
// retained so late subscribers see the current state immediately.
func (c *Client) SceneState(snap runtime.StateSnapshot) {
	c.publishJSON(command.TopicSceneState(c.cfg.Prefix, snap.DeviceID), true, snap)
}

// OK implements runtime.Publisher.
func (c *Client) OK(deviceID, action, message string) {
	c.publishJSON(command.TopicOK(c.cfg.Prefix, deviceID), false, map[string]any{
		"action":  action,
		"message": message,
		"ts":      time.Now().UnixMilli(),
	})
}

// Error implements runtime.Publisher.
func (c *Client) Error(deviceID, action, message string, detail map[string]any) {
	c.publishJSON(command.TopicError(c.cfg.Prefix, deviceID), false, map[string]any{
		"action":  action,
		"message": message,
		"detail":  detail,
		"ts":      time.Now().UnixMilli(),
	})
}
