// Command alarm-monitor subscribes to every alarm node's topics on a broker
// and logs one line per message received.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/sweeney/alarm-node/internal/telemetry"
)

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	prefix := flag.String("prefix", telemetry.DefaultPrefix, "Topic prefix")
	clientID := flag.String("client-id", "", "Client identifier (default alarm-monitor-<random>)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if *clientID == "" {
		*clientID = "alarm-monitor-" + uuid.NewString()[:8]
	}

	sub, err := telemetry.NewSubscriber(telemetry.SubscriberConfig{
		Broker:   *broker,
		ClientID: *clientID,
		Prefix:   *prefix,
		Logger:   log,
	}, handler(log, *prefix))
	if err != nil {
		log.Error("subscribe", "broker", *broker, "error", err)
		os.Exit(1)
	}
	defer sub.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	log.Info("stopping", "signal", s)
}

// handler logs a summary of each message. Alerts and non-normal telemetry
// are logged at warn level.
func handler(log *slog.Logger, prefix string) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		s, err := telemetry.Summarize(prefix, topic, payload)
		if err != nil {
			log.Warn("undecodable message", "topic", topic, "error", err)
			return
		}
		level := slog.LevelInfo
		if strings.HasPrefix(s.Kind, "alert/") || strings.Contains(s.Line, " WARNING ") || strings.Contains(s.Line, " ALARM ") {
			level = slog.LevelWarn
		}
		log.Log(context.Background(), level, s.Line, "node", s.NodeID, "kind", s.Kind)
	}
}
