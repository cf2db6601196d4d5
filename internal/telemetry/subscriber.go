package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Summary is a one-line rendering of a received node message.
type Summary struct {
	NodeID string
	Kind   string
	Line   string
}

// Summarize decodes a message published by a node and renders it for the
// console monitor.
func Summarize(prefix, topic string, payload []byte) (Summary, error) {
	nodeID, kind, ok := ParseTopic(prefix, topic)
	if !ok {
		return Summary{}, fmt.Errorf("telemetry: unexpected topic %q", topic)
	}
	s := Summary{NodeID: nodeID, Kind: kind}

	switch {
	case kind == KindData:
		var p DataPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Summary{}, fmt.Errorf("telemetry: decode data from %s: %w", nodeID, err)
		}
		ids := make([]string, 0, len(p.SensorData))
		for id := range p.SensorData {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("%s=%d", id, p.SensorData[id]))
		}
		s.Line = fmt.Sprintf("%s %s actuator=%s [%s]", nodeID, p.SystemStatus.Level, onOff(p.SystemStatus.Actuator), strings.Join(parts, " "))
		if len(p.SystemStatus.Stale) > 0 {
			s.Line += " stale=" + strings.Join(p.SystemStatus.Stale, ",")
		}
		if p.SystemStatus.Via != "" {
			s.Line += " via=" + p.SystemStatus.Via
		}

	case strings.HasPrefix(kind, "alert/"):
		var p AlertPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Summary{}, fmt.Errorf("telemetry: decode alert from %s: %w", nodeID, err)
		}
		s.Line = fmt.Sprintf("%s ALERT %s -> %s actuator=%s", nodeID, p.Previous, p.Level, onOff(p.Actuator))

	default:
		var p struct {
			Status struct {
				Event  string `json:"event"`
				Reason string `json:"reason"`
			} `json:"status"`
			System SystemPayloadInner `json:"system"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Summary{}, fmt.Errorf("telemetry: decode status from %s: %w", nodeID, err)
		}
		event, reason := p.Status.Event, p.Status.Reason
		if event == "" {
			event, reason = p.System.Event, p.System.Reason
		}
		s.Line = fmt.Sprintf("%s %s", nodeID, event)
		if reason != "" {
			s.Line += " (" + reason + ")"
		}
	}
	return s, nil
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Broker   string
	ClientID string
	Prefix   string
	Logger   *slog.Logger
}

// Subscriber listens to every node's topics on a broker.
type Subscriber struct {
	client paho.Client
}

// NewSubscriber connects to the broker and subscribes to the data, alert and
// status topics of all nodes under the prefix. Subscriptions are renewed on
// every reconnect.
func NewSubscriber(cfg SubscriberConfig, handle func(topic string, payload []byte)) (*Subscriber, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	filters := map[string]byte{
		cfg.Prefix + "/+/" + KindData: 0,
		cfg.Prefix + "/+/alert/#":     0,
		cfg.Prefix + "/+/status/#":    0,
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("broker connection lost", "error", err)
		}).
		SetOnConnectHandler(func(c paho.Client) {
			token := c.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
				handle(m.Topic(), m.Payload())
			})
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				log.Error("subscribe failed", "error", token.Error())
				return
			}
			log.Info("subscribed", "broker", cfg.Broker, "prefix", cfg.Prefix)
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return &Subscriber{client: client}, nil
}

// Close disconnects from the broker.
func (s *Subscriber) Close() error {
	s.client.Disconnect(1000) // 1 second timeout
	return nil
}
