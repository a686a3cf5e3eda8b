// Package notify carries pairing events to displays over channels other
// than the websocket hub. MQTT is optional: deployments with displays on
// constrained firmware subscribe to their event topic instead of holding a
// websocket open.
package notify

import (
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTPublisher struct {
	cli mqtt.Client
}

func NewMQTT(brokerURL string) (*MQTTPublisher, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, err
	}
	opts := mqtt.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}
	opts.AddBroker(server)
	opts.SetClientID("vizora-pairing-" + time.Now().Format("150405.000"))
	opts.OnConnect = func(c mqtt.Client) { slog.Info("mqtt connected", "broker", brokerURL) }
	opts.OnConnectionLost = func(c mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, t.Error()
	}
	return &MQTTPublisher{cli: cli}, nil
}

// Notify publishes the event to the display's topic. Retained so a display
// reconnecting shortly after the pairing still sees it.
func (p *MQTTPublisher) Notify(deviceID, event string, payload any) bool {
	body, err := json.Marshal(map[string]any{
		"type":    event,
		"payload": payload,
		"at":      time.Now().UTC(),
	})
	if err != nil {
		return false
	}
	topic := "vizora/displays/" + deviceID + "/events"
	t := p.cli.Publish(topic, 0, true, body)
	if t.Wait() && t.Error() != nil {
		slog.Warn("mqtt publish failed", "topic", topic, "error", t.Error())
		return false
	}
	return true
}

// Fanout delivers through every sink; delivery counts if any sink reached
// the display.
type Fanout []interface {
	Notify(deviceID, event string, payload any) bool
}

func (f Fanout) Notify(deviceID, event string, payload any) bool {
	delivered := false
	for _, n := range f {
		if n.Notify(deviceID, event, payload) {
			delivered = true
		}
	}
	return delivered
}
