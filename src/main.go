package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ryansname/dosingctl/src/calibration"
	"github.com/ryansname/dosingctl/src/dispatch"
	"github.com/ryansname/dosingctl/src/drive"
	"github.com/ryansname/dosingctl/src/influx"
	"github.com/ryansname/dosingctl/src/kvfile"
	"github.com/ryansname/dosingctl/src/ota"
	"github.com/ryansname/dosingctl/src/pump"
	"github.com/ryansname/dosingctl/src/telemetry"
)

// Actuator backends selectable with ACTUATOR.
const (
	actuatorPeriph = "periph"
	actuatorLog    = "log"
)

const influxHealthTimeout = 5 * time.Second

// config holds everything read from the environment at startup
type config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	DataDir     string
	Actuator    string

	FirmwareURL    string
	FirmwareTarget string
	FirmwareToken  string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	Console   bool
	Discovery bool
}

// getEnv returns the environment value for key, or def when unset or empty
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadConfig() config {
	return config{
		Broker:         getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		Username:       os.Getenv("MQTT_USERNAME"),
		Password:       os.Getenv("MQTT_PASSWORD"),
		ClientID:       getEnv("MQTT_CLIENT_ID", "dosingctl-"+uuid.NewString()),
		TopicPrefix:    getEnv("TOPIC_PREFIX", "dosing_pump"),
		DataDir:        getEnv("DATA_DIR", "."),
		Actuator:       getEnv("ACTUATOR", actuatorPeriph),
		FirmwareURL:    os.Getenv("FIRMWARE_URL"),
		FirmwareTarget: getEnv("FIRMWARE_TARGET", "dosingctl"),
		FirmwareToken:  os.Getenv("FIRMWARE_TOKEN"),
		InfluxURL:      os.Getenv("INFLUX_URL"),
		InfluxToken:    os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:      os.Getenv("INFLUX_ORG"),
		InfluxBucket:   os.Getenv("INFLUX_BUCKET"),
		Console:        os.Getenv("CONSOLE") == "1",
		Discovery:      os.Getenv("HA_DISCOVERY") == "1",
	}
}

func (c config) validate() error {
	if c.Broker == "" {
		return errors.New("MQTT_BROKER must not be empty")
	}
	if c.TopicPrefix == "" {
		return errors.New("TOPIC_PREFIX must not be empty")
	}
	if (c.Username == "") != (c.Password == "") {
		return errors.New("MQTT_USERNAME and MQTT_PASSWORD must be set together")
	}
	switch c.Actuator {
	case actuatorPeriph, actuatorLog:
	default:
		return fmt.Errorf("ACTUATOR must be %q or %q, got %q", actuatorPeriph, actuatorLog, c.Actuator)
	}
	if c.InfluxURL != "" && c.InfluxBucket == "" {
		return errors.New("INFLUX_BUCKET must be set when INFLUX_URL is")
	}
	return nil
}

// subscriptions returns the topic filters the controller listens on
func subscriptions(prefix string) []string {
	return []string{prefix + "/#", "prime/#", "update/#"}
}

func newActuator(kind string, defs []pump.Definition) (drive.Actuator, error) {
	if kind == actuatorLog {
		return drive.LogActuator{}, nil
	}
	channels := make([]int, 0, len(defs))
	for _, d := range defs {
		channels = append(channels, d.Channel)
	}
	return drive.NewPeriphActuator(channels)
}

// healthChecker is a run sink that can report whether it is reachable
type healthChecker interface {
	Health(ctx context.Context) error
}

// checkInfluxHealth warns at startup when the run sink cannot be reached. Runs
// are still published over MQTT, so an unreachable sink is not fatal.
func checkInfluxHealth(ctx context.Context, sink healthChecker) bool {
	ctx, cancel := context.WithTimeout(ctx, influxHealthTimeout)
	defer cancel()
	if err := sink.Health(ctx); err != nil {
		log.Printf("Warning: InfluxDB health check failed: %v\n", err)
		return false
	}
	log.Println("InfluxDB reachable")
	return true
}

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if the worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// If function returned normally (no panic), exit the goroutine
			// This covers both context cancellation and unexpected completion
			if panicValue == nil {
				return
			}

			// If ran for resetAfter duration before panicking, reset retry state
			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Printf("Panic in %s (attempt %d/%d): %v\n", name, retries, maxRetries, panicValue)

			// Check if we've exhausted retries
			if retries >= maxRetries {
				log.Printf("%s failed after %d retries, shutting down\n", name, maxRetries)
				cancel()
				return
			}

			// Wait before retry with exponential backoff
			log.Printf("%s will retry in %v\n", name, delay)
			select {
			case <-time.After(delay):
				// Double delay for next time, cap at max
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func main() {
	log.Println("Starting dosingctl...")

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}

	cfg := loadConfig()
	if err := cfg.validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	defs := pump.Definitions()
	if err := pump.Validate(defs); err != nil {
		log.Fatalf("Invalid pump table: %v", err)
	}
	if err := calibration.CheckDefaults(pump.All()); err != nil {
		log.Fatalf("Invalid default calibrations: %v", err)
	}

	records, err := kvfile.New(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open data dir: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	transport := newMQTTTransport(mqttOptions{
		Broker:   cfg.Broker,
		Username: cfg.Username,
		Password: cfg.Password,
		ClientID: cfg.ClientID,
		Topics:   subscriptions(cfg.TopicPrefix),
	})

	var telemetryOpts []telemetry.Option
	if cfg.InfluxURL != "" {
		writer, err := influx.NewWriter(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		if err != nil {
			log.Fatalf("Failed to create InfluxDB writer: %v", err)
		}
		defer writer.Close()
		checkInfluxHealth(ctx, writer)
		telemetryOpts = append(telemetryOpts, telemetry.WithRunSink(writer))
		log.Printf("Run records also written to InfluxDB bucket %s\n", cfg.InfluxBucket)
	}
	publisher := telemetry.NewPublisher(transport, cfg.TopicPrefix, telemetryOpts...)

	if cfg.Discovery {
		transport.OnConnect(func() {
			if err := publishDiscovery(transport, cfg.TopicPrefix, defs); err != nil {
				log.Printf("Failed to publish Home Assistant discovery: %v\n", err)
			}
		})
	}

	actuator, err := newActuator(cfg.Actuator, defs)
	if err != nil {
		log.Fatalf("Failed to initialise actuator: %v", err)
	}

	store := calibration.NewStore(records, publisher)
	sequencer := drive.NewSequencer(actuator, store, publisher)
	flags := ota.NewFlagStore(records)
	exec := transport.handoff(syscall.Exec)
	updater := &ota.Updater{
		BaseURL: cfg.FirmwareURL,
		Target:  cfg.FirmwareTarget,
		Token:   cfg.FirmwareToken,
		Records: records,
		Exec:    exec,
	}

	dispatcher := dispatch.New(defs, dispatch.DefaultKeywords(), dispatch.Deps{
		Calibrations: store,
		Driver:       sequencer,
		UpdateFlag:   flags,
		Reset: func() error {
			log.Println("Reset requested, restarting")
			return ota.Restart("", exec)
		},
		Reporter: publisher,
	})

	if err := transport.Connect(); err != nil {
		log.Fatalf("Failed to connect to MQTT broker: %v", err)
	}

	if cfg.Console {
		console := newConsole(cfg.TopicPrefix, defs, calibration.NewStore(records, logReporter{}), flags, transport)
		SafeGo(ctx, cancel, "console-worker", func(ctx context.Context) {
			consoleWorker(ctx, cancel, console)
		})
		log.Println("Console worker started")
	}

	loop := newControlLoop(transport, dispatcher, publisher, flags, updater)
	loop.run(ctx)

	log.Println("\nShutting down...")
	transport.Disconnect()
}
