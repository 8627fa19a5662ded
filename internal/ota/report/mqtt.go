package report

import (
	"context"
	"encoding/json"

	"github.com/autopeer-io/fota/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/fota/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/fota/pkg/mqtt/topic"
)

// Publisher is the part of the MQTT client a reporter needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error
}

var _ Publisher = (mqtt.Client)(nil)

// MQTTReporter publishes reports on {root}/fota/report/{device} at QoS 1.
type MQTTReporter struct {
	pub   Publisher
	topic string
}

var _ Reporter = (*MQTTReporter)(nil)

func NewMQTTReporter(pub Publisher, topics *mqtttopic.Builder, deviceID string) *MQTTReporter {
	return &MQTTReporter{pub: pub, topic: topics.Build(paths.FotaReport, deviceID)}
}

func (m *MQTTReporter) Report(ctx context.Context, r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return m.pub.Publish(ctx, m.topic, 1, false, payload)
}
