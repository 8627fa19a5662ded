// Package hub connects the agent to the MQTT broker: presence, the retained
// status heartbeat, operator commands and report delivery.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/autopeer-io/fota/internal/ota/report"
	"github.com/autopeer-io/fota/internal/pkg/metrics"
	"github.com/autopeer-io/fota/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/fota/pkg/log"
	"github.com/autopeer-io/fota/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/fota/pkg/mqtt/topic"
)

// Commander executes operator commands.
type Commander interface {
	CheckNow() error
	SetCheckInterval(d time.Duration) error
}

// OnlineStatus is the retained presence message. The broker publishes the
// offline variant as the last will.
type OnlineStatus struct {
	DeviceID string `json:"device_id"`
	Online   bool   `json:"online"`
	Reason   string `json:"reason,omitempty"`
}

const (
	ActionCheckNow    = "check_now"
	ActionSetInterval = "set_interval"
)

// Command is an operator directive received on the command topic.
type Command struct {
	Action   string `json:"action"`
	Interval string `json:"interval,omitempty"`
}

type Hub struct {
	deviceID string

	mc        mqtt.Client
	topics    *mqtttopic.Builder
	commander Commander

	ready     chan struct{}
	readyOnce sync.Once
}

var _ report.Publisher = (*Hub)(nil)

func New(deviceID string, client mqtt.Client, topics *mqtttopic.Builder, commander Commander) *Hub {
	return &Hub{
		deviceID:  deviceID,
		mc:        client,
		topics:    topics,
		commander: commander,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the hub connected and subscribed for the first time.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

func (h *Hub) IsConnected() bool {
	return h.mc.IsConnected()
}

// Publish satisfies report.Publisher.
func (h *Hub) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	return h.mc.Publish(ctx, topic, qos, retain, payload)
}

// PublishStatus replaces the retained status heartbeat.
func (h *Hub) PublishStatus(ctx context.Context, status any) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return h.mc.Publish(ctx, h.topics.Build(paths.FotaStatus, h.deviceID), 1, true, payload)
}

// Run connects, subscribes to the command topic and announces presence,
// then blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.mc.Start(ctx); err != nil {
		return err
	}
	defer h.stop()

	if err := h.mc.AwaitConnection(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	topic := h.topics.Build(paths.FotaCommand, h.deviceID)
	if err := h.mc.Subscribe(ctx, topic, 1, h.handleCommand); err != nil {
		return err
	}
	if err := h.publishOnline(ctx, OnlineStatus{DeviceID: h.deviceID, Online: true}); err != nil {
		log.Error(err, "Failed to announce presence")
	}
	h.readyOnce.Do(func() { close(h.ready) })

	<-ctx.Done()
	return nil
}

func (h *Hub) stop() {
	log.Info("Disconnecting MQTT client...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if h.mc.IsConnected() {
		offline := OnlineStatus{DeviceID: h.deviceID, Online: false, Reason: "Shutdown"}
		if err := h.publishOnline(ctx, offline); err != nil {
			log.Error(err, "Failed to publish offline status")
		}
	}
	h.mc.Disconnect(ctx)
}

func (h *Hub) publishOnline(ctx context.Context, s OnlineStatus) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return h.mc.Publish(ctx, h.topics.Build(paths.Online, h.deviceID), 1, true, payload)
}

func (h *Hub) handleCommand(ctx context.Context, topic string, payload []byte) {
	if err := h.dispatch(payload); err != nil {
		log.Error(err, "Handler execution failed", "topic", topic)
	}
}

func (h *Hub) dispatch(payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("malformed command: %w", err)
	}
	log.Info(">>> PROCESSING COMMAND <<<", "action", cmd.Action, "interval", cmd.Interval)

	switch cmd.Action {
	case ActionCheckNow:
		return h.commander.CheckNow()
	case ActionSetInterval:
		d, err := time.ParseDuration(cmd.Interval)
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", cmd.Interval, err)
		}
		return h.commander.SetCheckInterval(d)
	case "":
		return errors.New("command without action")
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// OfflineWill is the last will payload to configure on the client.
func OfflineWill(deviceID string) []byte {
	payload, _ := json.Marshal(OnlineStatus{DeviceID: deviceID, Online: false, Reason: "UnexpectedDisconnect"})
	return payload
}

// ConnectionGauge records broker reachability.
func ConnectionGauge(connected bool) {
	if connected {
		metrics.BrokerConnectivityStatus.Set(1)
		return
	}
	metrics.BrokerConnectivityStatus.Set(0)
}
