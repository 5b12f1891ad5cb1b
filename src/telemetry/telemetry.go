// Package telemetry publishes run records, diagnostic log lines and liveness
// heartbeats. Every publish is best-effort: failures are only logged locally.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// TimestampLayout is the local-time format used in run records and heartbeats.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	logsSuffix     = "logs"
	watchdogSuffix = "watchdog"
)

// Transport is the outbound half of the message link.
type Transport interface {
	Publish(topic string, payload []byte) error
}

// RunSink receives completed run records in addition to the message link.
type RunSink interface {
	WriteRun(ctx context.Context, r RunRecord) error
}

// RunRecord describes one completed pump run.
type RunRecord struct {
	Time                time.Time `json:"-"`
	Timestamp           string    `json:"timestamp"`
	PumpName            string    `json:"pump_name"`
	VolumeRequested     float64   `json:"volume_requested"`
	DosingType          string    `json:"dosing_type"`
	CalibrationConstant float64   `json:"calibration_constant"`
	Slope               float64   `json:"slope"`
	Intercept           float64   `json:"intercept"`
}

// JSON returns the wire encoding of the record.
func (r RunRecord) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Publisher formats and emits telemetry on topics under a fixed prefix.
type Publisher struct {
	transport Transport
	prefix    string
	now       func() time.Time
	sinks     []RunSink
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock overrides the local time source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithRunSink adds a secondary destination for run records.
func WithRunSink(s RunSink) Option {
	return func(p *Publisher) { p.sinks = append(p.sinks, s) }
}

// NewPublisher returns a publisher writing to topics under prefix.
func NewPublisher(transport Transport, prefix string, opts ...Option) *Publisher {
	p := &Publisher{
		transport: transport,
		prefix:    prefix,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LogTopic is where free-text diagnostics go.
func (p *Publisher) LogTopic() string {
	return p.prefix + "/" + logsSuffix
}

// WatchdogTopic is where heartbeats go.
func (p *Publisher) WatchdogTopic() string {
	return p.prefix + "/" + watchdogSuffix
}

// RunTopic is the per-pump address for run records.
func (p *Publisher) RunTopic(pumpName string) string {
	return p.prefix + "/" + pumpName
}

// PublishLog sends a diagnostic line to the log topic. A failed publish is logged
// locally and never retried through PublishLog.
func (p *Publisher) PublishLog(text string) {
	if err := p.transport.Publish(p.LogTopic(), []byte(text)); err != nil {
		log.Printf("Failed to publish log message: %v\n", err)
	}
}

// Logf writes a line locally and on the log topic.
func (p *Publisher) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Println(msg)
	p.PublishLog(msg)
}

// Errorf reports a recoverable fault. Faults and notices share the log topic.
func (p *Publisher) Errorf(format string, args ...any) {
	p.Logf(format, args...)
}

// PublishHeartbeat sends the current local time to the watchdog topic.
func (p *Publisher) PublishHeartbeat() {
	status := "Local Time: " + p.now().Format(TimestampLayout)
	if err := p.transport.Publish(p.WatchdogTopic(), []byte(status)); err != nil {
		log.Printf("Failed to publish status message: %v\n", err)
		return
	}
	log.Printf("Published status message: %s\n", status)
}

// NewRunRecord stamps a record with the publisher's clock.
func (p *Publisher) NewRunRecord(pumpName, dosingType string, volume, factor, slope, intercept float64) RunRecord {
	now := p.now()
	return RunRecord{
		Time:                now,
		Timestamp:           now.Format(TimestampLayout),
		PumpName:            pumpName,
		VolumeRequested:     volume,
		DosingType:          dosingType,
		CalibrationConstant: factor,
		Slope:               slope,
		Intercept:           intercept,
	}
}

// PublishRunRecord serializes r to the pump's topic and forwards it to any sinks.
func (p *Publisher) PublishRunRecord(r RunRecord) {
	payload, err := r.JSON()
	if err != nil {
		log.Printf("Failed to publish pump run info: %v\n", err)
		return
	}

	if err := p.transport.Publish(p.RunTopic(r.PumpName), payload); err != nil {
		log.Printf("Failed to publish pump run info: %v\n", err)
	} else {
		log.Printf("Published pump run info for %s: %s\n", r.PumpName, payload)
	}

	for _, s := range p.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.WriteRun(ctx, r); err != nil {
			log.Printf("Failed to store pump run info for %s: %v\n", r.PumpName, err)
		}
		cancel()
	}
}
