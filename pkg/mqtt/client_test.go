package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicsMatch(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"iov/v1/fota/command/dev-1", "iov/v1/fota/command/dev-1", true},
		{"iov/v1/fota/command/+", "iov/v1/fota/command/dev-1", true},
		{"iov/v1/fota/+/dev-1", "iov/v1/fota/report/dev-1", true},
		{"iov/v1/#", "iov/v1/fota/report/dev-1", true},
		{"iov/v1/fota/command/+", "iov/v1/fota/command/dev-1/x", false},
		{"iov/v1/fota/command/dev-2", "iov/v1/fota/command/dev-1", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, topicsMatch(c.filter, c.topic), "%s ~ %s", c.filter, c.topic)
	}
}

func TestTopicFilterStripsSharedGroup(t *testing.T) {
	assert.Equal(t, "iov/v1/fota/report/+", topicFilter("$share/hub/iov/v1/fota/report/+"))
	assert.Equal(t, "iov/v1/fota/report/+", topicFilter("iov/v1/fota/report/+"))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&ClientConfig{}).Validate())
	assert.Error(t, (&ClientConfig{BrokerURL: "localhost"}).Validate())
	assert.NoError(t, (&ClientConfig{BrokerURL: "tcp://localhost:1883"}).Validate())
	assert.Error(t, (&ClientConfig{BrokerURL: "tcp://localhost:1883", WillQoS: 3}).Validate())
}

func TestNewClientAppliesDefaults(t *testing.T) {
	cfg := &ClientConfig{BrokerURL: "tcp://localhost:1883"}
	c, err := NewClient(cfg)
	assert.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, uint16(60), cfg.KeepAlive)
	assert.False(t, c.IsConnected())
}

func TestCallsBeforeStartFail(t *testing.T) {
	c, err := NewClient(&ClientConfig{BrokerURL: "tcp://localhost:1883"})
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "a/b", 1, false, nil), ErrNotStarted)
	assert.ErrorIs(t, c.Subscribe(ctx, "a/b", 1, nil), ErrNotStarted)
	assert.ErrorIs(t, c.AwaitConnection(ctx), ErrNotStarted)
}

func TestDispatchSurvivesPanickingHandler(t *testing.T) {
	changes := make(chan bool, 1)
	cli, err := NewClient(&ClientConfig{
		BrokerURL:          "tcp://localhost:1883",
		OnConnectionChange: func(up bool) { changes <- up },
	})
	require.NoError(t, err)
	c := cli.(*pahoClient)

	got := make(chan string, 1)
	c.subscriptions["iov/v1/fota/command/+"] = subscription{qos: 1, handler: func(_ context.Context, topic string, _ []byte) {
		got <- topic
	}}
	c.subscriptions["iov/v1/#"] = subscription{qos: 1, handler: func(context.Context, string, []byte) {
		panic("bad handler")
	}}

	handled, err := c.dispatch(paho.PublishReceived{Packet: &paho.Publish{Topic: "iov/v1/fota/command/dev-1"}})
	require.NoError(t, err)
	assert.True(t, handled)

	select {
	case topic := <-got:
		assert.Equal(t, "iov/v1/fota/command/dev-1", topic)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	c.setConnected(true)
	c.setConnected(true)
	assert.True(t, <-changes)
	assert.Empty(t, changes)
}
