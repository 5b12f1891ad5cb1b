package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ryansname/dosingctl/src/pump"
)

const discoveryPrefix = "homeassistant"

// retainedPublisher publishes discovery configs so Home Assistant sees them after
// its own restarts.
type retainedPublisher interface {
	PublishRetained(topic string, payload []byte) error
}

type haDeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type haSensorConfig struct {
	Name                string         `json:"name,omitempty"`
	StateTopic          string         `json:"state_topic"`
	JsonAttributesTopic string         `json:"json_attributes_topic,omitempty"`
	UnitOfMeasure       string         `json:"unit_of_measurement,omitempty"`
	ValueTemplate       string         `json:"value_template"`
	UniqueId            string         `json:"unique_id"`
	ExpireAfter         uint           `json:"expire_after,omitempty"`
	StateClass          string         `json:"state_class,omitempty"`
	Icon                string         `json:"icon,omitempty"`
	DisplayPrecision    int            `json:"suggested_display_precision,omitempty"`
	Device              haDeviceConfig `json:"device"`
}

// deviceID turns the topic prefix into a Home Assistant identifier
func deviceID(prefix string) string {
	id := strings.ToLower(prefix)
	id = strings.ReplaceAll(id, " ", "_")
	return strings.ReplaceAll(id, "/", "_")
}

func sensorConfigTopic(device, object string) string {
	return discoveryPrefix + "/sensor/" + device + "_" + object + "/config"
}

// pumpSensor describes the last run of a pump. The state topic is the pump's run
// record topic, so every record updates the sensor and its attributes.
func pumpSensor(prefix string, id pump.ID, device haDeviceConfig) haSensorConfig {
	stateTopic := prefix + "/" + id.String()
	return haSensorConfig{
		Name:                fmt.Sprintf("Pump %d last dose", int(id)),
		StateTopic:          stateTopic,
		JsonAttributesTopic: stateTopic,
		UnitOfMeasure:       "mL",
		ValueTemplate:       "{{ value_json.volume_requested }}",
		UniqueId:            device.Identifiers[0] + "_" + id.String() + "_volume",
		StateClass:          "measurement",
		Icon:                "mdi:water-pump",
		DisplayPrecision:    2,
		Device:              device,
	}
}

// watchdogSensor shows the latest heartbeat and goes unavailable when they stop.
func watchdogSensor(prefix string, device haDeviceConfig) haSensorConfig {
	return haSensorConfig{
		Name:          "Watchdog",
		StateTopic:    prefix + "/watchdog",
		ValueTemplate: "{{ value }}",
		UniqueId:      device.Identifiers[0] + "_watchdog",
		ExpireAfter:   90, // three missed heartbeats
		Icon:          "mdi:heart-pulse",
		Device:        device,
	}
}

// publishDiscovery announces one sensor per pump plus the watchdog sensor.
func publishDiscovery(pub retainedPublisher, prefix string, defs []pump.Definition) error {
	id := deviceID(prefix)
	device := haDeviceConfig{
		Identifiers:  []string{id},
		Name:         "Dosing pump " + prefix,
		Manufacturer: "Custom",
		Model:        fmt.Sprintf("%d channel", len(defs)),
	}

	configs := make(map[string]haSensorConfig, len(defs)+1)
	for _, d := range defs {
		configs[sensorConfigTopic(id, d.ID.String()+"_volume")] = pumpSensor(prefix, d.ID, device)
	}
	configs[sensorConfigTopic(id, "watchdog")] = watchdogSensor(prefix, device)

	for topic, config := range configs {
		payload, err := json.Marshal(config)
		if err != nil {
			return err
		}
		if err := pub.PublishRetained(topic, payload); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}
