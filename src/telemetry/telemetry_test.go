package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	Topic   string
	Payload string
}

type fakeTransport struct {
	sent []published
	err  error
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{Topic: topic, Payload: string(payload)})
	return nil
}

type fakeSink struct {
	runs []RunRecord
	err  error
}

func (f *fakeSink) WriteRun(_ context.Context, r RunRecord) error {
	f.runs = append(f.runs, r)
	return f.err
}

var fixedNow = time.Date(2024, 3, 9, 7, 5, 3, 0, time.Local)

func newTestPublisher(tr Transport, opts ...Option) *Publisher {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewPublisher(tr, "dosing_pump", opts...)
}

func TestTopics(t *testing.T) {
	p := newTestPublisher(&fakeTransport{})
	assert.Equal(t, "dosing_pump/logs", p.LogTopic())
	assert.Equal(t, "dosing_pump/watchdog", p.WatchdogTopic())
	assert.Equal(t, "dosing_pump/pump2", p.RunTopic("pump2"))
}

func TestPublishLog(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPublisher(tr)

	p.PublishLog("dosing pump1 task completed")

	require.Len(t, tr.sent, 1)
	assert.Equal(t, published{"dosing_pump/logs", "dosing pump1 task completed"}, tr.sent[0])
}

func TestErrorfPublishesFormattedLine(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPublisher(tr)

	p.Errorf("Failed to prime %s: %v", "pump3", errors.New("boom"))

	require.Len(t, tr.sent, 1)
	assert.Equal(t, "Failed to prime pump3: boom", tr.sent[0].Payload)
}

func TestPublishFailuresAreSwallowed(t *testing.T) {
	tr := &fakeTransport{err: errors.New("not connected")}
	p := newTestPublisher(tr)

	assert.NotPanics(t, func() {
		p.PublishLog("x")
		p.Errorf("y")
		p.PublishHeartbeat()
		p.PublishRunRecord(p.NewRunRecord("pump1", "standard", 1, 1, 1, 0))
	})
	assert.Empty(t, tr.sent)
}

func TestPublishHeartbeat(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPublisher(tr)

	p.PublishHeartbeat()

	require.Len(t, tr.sent, 1)
	assert.Equal(t, "dosing_pump/watchdog", tr.sent[0].Topic)
	assert.Equal(t, "Local Time: 2024-03-09 07:05:03", tr.sent[0].Payload)
}

func TestPublishRunRecord(t *testing.T) {
	tr := &fakeTransport{}
	sink := &fakeSink{}
	p := newTestPublisher(tr, WithRunSink(sink))

	rec := p.NewRunRecord("pump4", "prime", 10, 0.4, 1.13, -0.77)
	p.PublishRunRecord(rec)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, "dosing_pump/pump4", tr.sent[0].Topic)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(tr.sent[0].Payload), &decoded))
	assert.Equal(t, map[string]any{
		"timestamp":            "2024-03-09 07:05:03",
		"pump_name":            "pump4",
		"volume_requested":     10.0,
		"dosing_type":          "prime",
		"calibration_constant": 0.4,
		"slope":                1.13,
		"intercept":            -0.77,
	}, decoded)

	require.Len(t, sink.runs, 1)
	assert.Equal(t, fixedNow, sink.runs[0].Time)
}

func TestPublishRunRecord_SinkFailureDoesNotBlockTransport(t *testing.T) {
	tr := &fakeTransport{}
	sink := &fakeSink{err: errors.New("influx down")}
	p := newTestPublisher(tr, WithRunSink(sink))

	p.PublishRunRecord(p.NewRunRecord("pump1", "standard", 1, 1, 1, 0))

	assert.Len(t, tr.sent, 1)
	assert.Len(t, sink.runs, 1)
}
