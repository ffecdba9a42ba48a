package hass

import (
	"fmt"
	"strings"

	"github.com/KevinKickass/SajModbusHub/internal/entities"
)

// Discovery config with the abbreviated keys Home Assistant accepts.
type discoveryConfig struct {
	Name              string         `json:"name"`
	UniqueID          string         `json:"uniq_id"`
	ObjectID          string         `json:"obj_id"`
	StateTopic        string         `json:"stat_t"`
	ValueTemplate     string         `json:"val_tpl"`
	CommandTopic      string         `json:"cmd_t,omitempty"`
	Availability      []availability `json:"avty"`
	AvailabilityMode  string         `json:"avty_mode"`
	DeviceClass       string         `json:"dev_cla,omitempty"`
	StateClass        string         `json:"stat_cla,omitempty"`
	UnitOfMeasurement string         `json:"unit_of_meas,omitempty"`
	Min               *float64       `json:"min,omitempty"`
	Max               *float64       `json:"max,omitempty"`
	Step              float64        `json:"step,omitempty"`
	Mode              string         `json:"mode,omitempty"`
	Pattern           string         `json:"pattern,omitempty"`
	PayloadOn         string         `json:"pl_on,omitempty"`
	PayloadOff        string         `json:"pl_off,omitempty"`
	EnabledByDefault  bool           `json:"en"`
	Device            device         `json:"dev"`
}

type availability struct {
	Topic string `json:"t"`
}

type device struct {
	IDs          []string `json:"ids"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	SerialNumber string   `json:"sn,omitempty"`
}

const (
	payloadOn      = "ON"
	payloadOff     = "OFF"
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Slug makes a topic and id safe token from a display name.
func Slug(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func (b *Bridge) discoveryTopic(d entities.Description, slug string) string {
	return fmt.Sprintf("%s/%s/%s_%s/%s/config", b.discoveryPrefix, d.Kind, b.topicPrefix, slug, d.Key)
}

func (b *Bridge) discovery(d entities.Description, slug string, dev device) discoveryConfig {
	cfg := discoveryConfig{
		Name:              d.Name,
		UniqueID:          fmt.Sprintf("%s_%s_%s", b.topicPrefix, slug, d.Key),
		ObjectID:          fmt.Sprintf("%s_%s_%s", b.topicPrefix, slug, strings.ToLower(d.Key)),
		StateTopic:        b.stateTopic(slug),
		ValueTemplate:     fmt.Sprintf("{{ value_json[%q] }}", d.Key),
		Availability:      []availability{{b.bridgeStatusTopic()}, {b.statusTopic(slug)}},
		AvailabilityMode:  "all",
		DeviceClass:       d.DeviceClass,
		StateClass:        d.StateClass,
		UnitOfMeasurement: d.Unit,
		EnabledByDefault:  d.EnabledByDefault,
		Device:            dev,
	}

	if d.Writable() {
		cfg.CommandTopic = b.commandTopic(slug, d.Key)
	}

	switch d.Kind {
	case entities.KindSwitch:
		cfg.ValueTemplate = fmt.Sprintf("{{ '%s' if value_json[%q] else '%s' }}", payloadOn, d.Key, payloadOff)
		cfg.PayloadOn, cfg.PayloadOff = payloadOn, payloadOff
		cfg.DeviceClass = "switch"
	case entities.KindNumber:
		cfg.Min, cfg.Max, cfg.Step = d.Min, d.Max, d.Step
		cfg.Mode = "box"
	case entities.KindText:
		cfg.Mode = "text"
		cfg.Pattern = d.Pattern
		if d.MaxLength > 0 {
			maxLen := float64(d.MaxLength)
			cfg.Max = &maxLen
		}
	}
	return cfg
}

func (b *Bridge) bridgeStatusTopic() string { return b.topicPrefix + "/status" }

func (b *Bridge) statusTopic(slug string) string { return fmt.Sprintf("%s/%s/status", b.topicPrefix, slug) }

func (b *Bridge) stateTopic(slug string) string { return fmt.Sprintf("%s/%s/state", b.topicPrefix, slug) }

func (b *Bridge) commandTopic(slug, key string) string {
	return fmt.Sprintf("%s/%s/%s/set", b.topicPrefix, slug, key)
}
