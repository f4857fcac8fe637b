package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/wwade/scale/presence"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// eventPayload is the JSON shape published for each presence event.
type eventPayload struct {
	Timestamp string  `json:"timestamp"`
	WeightG   float64 `json:"weight_g"`
	Event     string  `json:"event"`
}

// systemPayload carries operational messages such as low battery.
type systemPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
}

// MQTT publishes events to a broker. Events go QoS 0; losing one
// matters less than blocking the sampling loop. System messages go
// QoS 1 since they are rare and worth a retry.
type MQTT struct {
	client      paho.Client
	eventTopic  string
	systemTopic string
}

// NewMQTT connects to the broker and returns the publishing sink.
func NewMQTT(broker, topicPrefix, clientID string) (*MQTT, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, &WriteError{Err: fmt.Errorf("connecting to %s timed out", broker)}
	}
	if err := token.Error(); err != nil {
		return nil, &WriteError{Err: fmt.Errorf("connecting to %s: %w", broker, err)}
	}

	return &MQTT{
		client:      client,
		eventTopic:  topicPrefix + "/events",
		systemTopic: topicPrefix + "/system",
	}, nil
}

func (m *MQTT) Append(ev presence.Event) error {
	payload, err := json.Marshal(formatEvent(ev))
	if err != nil {
		return &WriteError{Err: err}
	}
	token := m.client.Publish(m.eventTopic, 0, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return &WriteError{Err: fmt.Errorf("publish to %s timed out", m.eventTopic)}
	}
	if err := token.Error(); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// PublishSystem sends an operational message such as "battery_low".
func (m *MQTT) PublishSystem(event, detail string) error {
	payload, err := json.Marshal(systemPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Event:     event,
		Detail:    detail,
	})
	if err != nil {
		return &WriteError{Err: err}
	}
	token := m.client.Publish(m.systemTopic, 1, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return &WriteError{Err: fmt.Errorf("publish to %s timed out", m.systemTopic)}
	}
	if err := token.Error(); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(1000)
	return nil
}

func formatEvent(ev presence.Event) eventPayload {
	return eventPayload{
		Timestamp: ev.Time.UTC().Format(time.RFC3339),
		WeightG:   ev.Grams,
		Event:     string(ev.Kind),
	}
}
