package hass

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/config"
	"github.com/KevinKickass/SajModbusHub/internal/entities"
	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"github.com/KevinKickass/SajModbusHub/internal/registers"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Inverter is what the bridge needs from a hub.
type Inverter interface {
	Name() string
	Registers() *registers.Map
	Snapshot() *hub.Snapshot
	State() hub.ConnectionState
	Subscribe(hub.Listener) func()
	OnStateChange(hub.StateListener) func()
	Write(ctx context.Context, name string, value any) error
}

const (
	writeTimeout = 15 * time.Second
	queueSize    = 256
)

// outbound is a queued publish. A message with flushed set only marks a
// position in the queue.
type outbound struct {
	topic   string
	payload any
	flushed chan struct{}
}

type attachment struct {
	inv     Inverter
	slug    string
	descs   map[string]entities.Description
	ordered []entities.Description
}

type Bridge struct {
	topicPrefix     string
	discoveryPrefix string
	logger          *zap.Logger

	queue   chan outbound
	dropped atomic.Int64

	mu       sync.Mutex
	client   Client
	attached map[string]*attachment // by slug
}

func NewBridge(cfg config.MQTTConfig, logger *zap.Logger) *Bridge {
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "saj"
	}
	discovery := strings.Trim(cfg.DiscoveryPrefix, "/")
	if discovery == "" {
		discovery = "homeassistant"
	}
	return &Bridge{
		topicPrefix:     prefix,
		discoveryPrefix: discovery,
		logger:          logger.Named("hass"),
		queue:           make(chan outbound, queueSize),
		attached:        make(map[string]*attachment),
	}
}

// Run sends queued state and availability messages until ctx ends.
// Hub callbacks only enqueue.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.queue:
			if m.flushed != nil {
				close(m.flushed)
				continue
			}
			b.publish(m.topic, m.payload)
		}
	}
}

// Flush waits until everything queued so far has been sent.
func (b *Bridge) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case b.queue <- outbound{flushed: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped counts messages discarded because the queue was full.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bridge) enqueue(topic string, payload any) {
	select {
	case b.queue <- outbound{topic: topic, payload: payload}:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("MQTT queue full, message dropped",
				zap.String("topic", topic), zap.Int64("dropped", n))
		}
	}
}

func (b *Bridge) SetClient(c Client) {
	b.mu.Lock()
	b.client = c
	b.mu.Unlock()
}

func (b *Bridge) getClient() Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// Attach announces the inverter's entities and keeps state and
// availability topics current until the returned function is called.
func (b *Bridge) Attach(inv Inverter) (detach func()) {
	descs := entities.Describe(inv.Registers())
	a := &attachment{
		inv:     inv,
		slug:    Slug(inv.Name()),
		descs:   make(map[string]entities.Description, len(descs)),
		ordered: descs,
	}
	for _, d := range descs {
		a.descs[d.Key] = d
	}

	b.mu.Lock()
	b.attached[a.slug] = a
	b.mu.Unlock()

	b.announce(a)

	unsubSnap := inv.Subscribe(func(s *hub.Snapshot) { b.publishState(a, s) })
	unsubState := inv.OnStateChange(func(_, to hub.ConnectionState) { b.publishAvailability(a, to) })

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubSnap()
			unsubState()

			b.mu.Lock()
			delete(b.attached, a.slug)
			b.mu.Unlock()

			if c := b.getClient(); c != nil {
				if err := wait(c.Unsubscribe(b.commandTopic(a.slug, "+"))); err != nil {
					b.logger.Warn("Unsubscribe failed", zap.String("inverter", inv.Name()), zap.Error(err))
				}
			}
			b.enqueue(b.statusTopic(a.slug), payloadOffline)
		})
	}
}

// Resync republishes everything, used after (re)connecting to the broker.
func (b *Bridge) Resync() {
	b.publish(b.bridgeStatusTopic(), payloadOnline)

	b.mu.Lock()
	all := make([]*attachment, 0, len(b.attached))
	for _, a := range b.attached {
		all = append(all, a)
	}
	b.mu.Unlock()

	for _, a := range all {
		b.announce(a)
	}
}

// Offline marks the bridge itself unavailable before a clean disconnect.
func (b *Bridge) Offline() {
	b.publish(b.bridgeStatusTopic(), payloadOffline)
}

func (b *Bridge) announce(a *attachment) {
	c := b.getClient()
	if c == nil || !c.IsConnected() {
		return
	}

	dev := device{
		IDs:          []string{b.topicPrefix + "_" + a.slug},
		Name:         a.inv.Name(),
		Manufacturer: registers.Manufacturer,
		Model:        a.inv.Registers().Model,
	}
	snap := a.inv.Snapshot()
	if sn, ok := snap.Value("serial_number"); ok {
		dev.SerialNumber, _ = sn.(string)
	}

	for _, d := range a.ordered {
		payload, err := json.Marshal(b.discovery(d, a.slug, dev))
		if err != nil {
			b.logger.DPanic("Discovery payload", zap.String("key", d.Key), zap.Error(err))
			continue
		}
		b.publish(b.discoveryTopic(d, a.slug), payload)
	}

	topic := b.commandTopic(a.slug, "+")
	if err := wait(c.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) { b.handleCommand(a, msg) })); err != nil {
		b.logger.Error("Subscribe failed", zap.String("topic", topic), zap.Error(err))
	}

	b.publishAvailability(a, a.inv.State())
	if snap != nil {
		b.publishState(a, snap)
	}

	b.logger.Info("Entities announced",
		zap.String("inverter", a.inv.Name()),
		zap.Int("entities", len(a.ordered)))
}

func (b *Bridge) publishState(a *attachment, s *hub.Snapshot) {
	payload, err := json.Marshal(s.Values())
	if err != nil {
		b.logger.Error("Encoding state failed", zap.String("inverter", a.inv.Name()), zap.Error(err))
		return
	}
	b.enqueue(b.stateTopic(a.slug), payload)
}

func (b *Bridge) publishAvailability(a *attachment, s hub.ConnectionState) {
	payload := payloadOffline
	if s.Phase == hub.Connected {
		payload = payloadOnline
	}
	b.enqueue(b.statusTopic(a.slug), payload)
}

// publish sends a retained QoS 1 message; skipped while disconnected.
func (b *Bridge) publish(topic string, payload any) {
	c := b.getClient()
	if c == nil || !c.IsConnected() {
		return
	}
	if err := wait(c.Publish(topic, 1, true, payload)); err != nil {
		b.logger.Warn("Publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (b *Bridge) handleCommand(a *attachment, msg mqtt.Message) {
	key, ok := commandKey(msg.Topic())
	if !ok {
		return
	}
	d, ok := a.descs[key]
	if !ok || !d.Writable() {
		b.logger.Warn("Command for unknown or read-only entity",
			zap.String("inverter", a.inv.Name()), zap.String("key", key))
		return
	}

	value := commandValue(d, string(msg.Payload()))

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := a.inv.Write(ctx, key, value); err != nil {
		b.logger.Warn("Command rejected",
			zap.String("inverter", a.inv.Name()),
			zap.String("key", key),
			zap.String("payload", string(msg.Payload())),
			zap.Error(err))
		// UI auf den tatsächlichen Stand zurücksetzen
		if s := a.inv.Snapshot(); s != nil {
			b.publishState(a, s)
		}
	}
}

// commandKey extracts <key> from <prefix>/<slug>/<key>/set.
func commandKey(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "set" {
		return "", false
	}
	return parts[len(parts)-2], true
}

func commandValue(d entities.Description, payload string) any {
	payload = strings.TrimSpace(payload)
	switch d.Kind {
	case entities.KindSwitch:
		switch strings.ToUpper(payload) {
		case payloadOn:
			return true
		case payloadOff:
			return false
		}
	case entities.KindNumber:
		if f, err := strconv.ParseFloat(payload, 64); err == nil {
			return f
		}
	}
	return payload
}
