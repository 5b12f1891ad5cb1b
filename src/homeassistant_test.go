package main

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/dosingctl/src/pump"
)

type retainedRecorder struct {
	published map[string][]byte
	err       error
}

func (r *retainedRecorder) PublishRetained(topic string, payload []byte) error {
	if r.err != nil {
		return r.err
	}
	r.published[topic] = payload
	return nil
}

func TestDeviceID(t *testing.T) {
	assert.Equal(t, "dosing_pump", deviceID("dosing_pump"))
	assert.Equal(t, "reef_tank_dosing", deviceID("Reef Tank/dosing"))
}

func TestPublishDiscovery(t *testing.T) {
	rec := &retainedRecorder{published: map[string][]byte{}}

	require.NoError(t, publishDiscovery(rec, "dosing_pump", pump.Definitions()))
	require.Len(t, rec.published, pump.Count+1)

	raw, ok := rec.published["homeassistant/sensor/dosing_pump_pump1_volume/config"]
	require.True(t, ok)

	var cfg haSensorConfig
	require.NoError(t, json.Unmarshal(raw, &cfg))
	assert.Equal(t, "dosing_pump/pump1", cfg.StateTopic)
	assert.Equal(t, "{{ value_json.volume_requested }}", cfg.ValueTemplate)
	assert.Equal(t, "dosing_pump_pump1_volume", cfg.UniqueId)
	assert.Equal(t, "mL", cfg.UnitOfMeasure)
	assert.Equal(t, []string{"dosing_pump"}, cfg.Device.Identifiers)

	raw, ok = rec.published["homeassistant/sensor/dosing_pump_watchdog/config"]
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &cfg))
	assert.Equal(t, "dosing_pump/watchdog", cfg.StateTopic)
	assert.Equal(t, uint(90), cfg.ExpireAfter)
}

func TestPublishDiscovery_PropagatesPublishError(t *testing.T) {
	rec := &retainedRecorder{err: errors.New("not connected to broker")}

	err := publishDiscovery(rec, "dosing_pump", pump.Definitions())
	assert.ErrorContains(t, err, "not connected to broker")
}
