package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/events"
)

// eventBuffer is the bus subscription depth. The mirror drops events
// rather than stall the pool when the broker is slow.
const eventBuffer = 128

// Publisher mirrors bus events to an MQTT broker.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	statuses map[string]string // server -> last status
	cm       *autopaho.ConnectionManager
}

// message is one MQTT publish derived from an event.
type message struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// New creates a Publisher but does not connect. Call [Publisher.Start].
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = config.DefaultTopicPrefix
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		logger:   logger,
		statuses: make(map[string]string),
	}
}

// Start connects to the broker and mirrors events until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so nothing published during the
	// handshake is missed.
	sub := p.bus.Subscribe(eventBuffer)
	defer p.bus.Unsubscribe(sub)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.clientID)
			p.publishAvailability(ctx, cm, "online")
			p.republishStatuses(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			p.handle(ctx, cm, ev)
		}
	}
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) statusTopic(server string) string {
	return p.cfg.TopicPrefix + "/servers/" + server + "/status"
}

func (p *Publisher) eventsTopic(server string) string {
	return p.cfg.TopicPrefix + "/servers/" + server + "/events"
}

func (p *Publisher) configTopic() string {
	return p.cfg.TopicPrefix + "/config/events"
}

// --- Event mapping ---

// messagesFor maps an event to the publishes that mirror it and
// records status changes for re-publication on reconnect.
func (p *Publisher) messagesFor(ev events.Event) []message {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return nil
	}

	switch ev.Source {
	case events.SourceMCP:
		server := ev.Server()
		if server == "" {
			return nil
		}
		msgs := []message{{topic: p.eventsTopic(server), payload: payload}}
		if ev.Kind == events.KindStatusChanged {
			status, _ := ev.Data["status"].(string)
			p.mu.Lock()
			p.statuses[server] = status
			p.mu.Unlock()
			msgs = append(msgs, message{
				topic:   p.statusTopic(server),
				payload: []byte(status),
				qos:     1,
				retain:  true,
			})
		}
		return msgs
	case events.SourceConfig:
		return []message{{topic: p.configTopic(), payload: payload}}
	default:
		return nil
	}
}

func (p *Publisher) handle(ctx context.Context, cm *autopaho.ConnectionManager, ev events.Event) {
	for _, m := range p.messagesFor(ev) {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     m.qos,
			Retain:  m.retain,
		}); err != nil {
			p.logger.Debug("mqtt event publish failed", "topic", m.topic, "error", err)
		}
	}
}

// statusMessages returns retained status publishes for every known
// server, sorted by name.
func (p *Publisher) statusMessages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.statuses))
	for name := range p.statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	msgs := make([]message, 0, len(names))
	for _, name := range names {
		msgs = append(msgs, message{
			topic:   p.statusTopic(name),
			payload: []byte(p.statuses[name]),
			qos:     1,
			retain:  true,
		})
	}
	return msgs
}

func (p *Publisher) republishStatuses(ctx context.Context, cm *autopaho.ConnectionManager) {
	msgs := p.statusMessages()
	for _, m := range msgs {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     m.qos,
			Retain:  m.retain,
		}); err != nil {
			p.logger.Warn("mqtt status publish failed", "topic", m.topic, "error", err)
		}
	}
	p.logger.Debug("mqtt server statuses published", "servers", len(msgs))
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
