// Package influx stores completed pump runs in InfluxDB.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/ryansname/dosingctl/src/telemetry"
)

const measurement = "dosing_run"

// Writer writes RunRecords to InfluxDB.
type Writer struct {
	client influxdb2.Client
	api    api.WriteAPIBlocking
}

// NewWriter creates an InfluxDB write API client. Caller should call Close() when done.
func NewWriter(url, token, org, bucket string) (*Writer, error) {
	if url == "" || bucket == "" {
		return nil, fmt.Errorf("influx url and bucket are required")
	}
	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPIBlocking(org, bucket)
	return &Writer{client: client, api: writeAPI}, nil
}

// Close releases the InfluxDB client.
func (w *Writer) Close() {
	w.client.Close()
}

// Health checks that InfluxDB is reachable and the token is valid.
func (w *Writer) Health(ctx context.Context) error {
	check, err := w.client.Health(ctx)
	if err != nil {
		return err
	}
	if check.Status != domain.HealthCheckStatusPass {
		msg := ""
		if check.Message != nil {
			msg = *check.Message
		}
		return fmt.Errorf("influxdb status %s: %s", check.Status, msg)
	}
	return nil
}

// Point builds the line-protocol point for r. Point time is the run completion
// time, or now if the record carries none.
func Point(r telemetry.RunRecord) *write.Point {
	pointTime := r.Time
	if pointTime.IsZero() {
		pointTime = time.Now()
	}
	return influxdb2.NewPointWithMeasurement(measurement).
		AddTag("pump", r.PumpName).
		AddTag("dosing_type", r.DosingType).
		AddField("volume_requested", r.VolumeRequested).
		AddField("calibration_constant", r.CalibrationConstant).
		AddField("slope", r.Slope).
		AddField("intercept", r.Intercept).
		SetTime(pointTime)
}

// WriteRun saves one run record.
func (w *Writer) WriteRun(ctx context.Context, r telemetry.RunRecord) error {
	if err := w.api.WritePoint(ctx, Point(r)); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}
