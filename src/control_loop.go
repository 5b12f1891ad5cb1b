package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"time"

	"github.com/ryansname/dosingctl/src/dispatch"
	"github.com/ryansname/dosingctl/src/ota"
)

const (
	tickInterval   = time.Second
	heartbeatTicks = 30
)

type messageSource interface {
	CheckMessage() (inboundMessage, bool)
}

type messageHandler interface {
	Handle(topic string, payload []byte) []dispatch.Outcome
}

type loopTelemetry interface {
	PublishHeartbeat()
	Logf(format string, args ...any)
	Errorf(format string, args ...any)
}

type updateFlag interface {
	Consume() (bool, error)
}

type firmwareUpdater interface {
	FetchAndInstall(ctx context.Context) error
}

// controlLoop is the single goroutine that owns message handling, heartbeats and
// the update check. A dispatched message runs to completion, pump runs included,
// before the next one is taken.
type controlLoop struct {
	source   messageSource
	handler  messageHandler
	tel      loopTelemetry
	flag     updateFlag
	updater  firmwareUpdater
	interval time.Duration
	ticks    int
}

func newControlLoop(
	source messageSource,
	handler messageHandler,
	tel loopTelemetry,
	flag updateFlag,
	updater firmwareUpdater,
) *controlLoop {
	return &controlLoop{
		source:   source,
		handler:  handler,
		tel:      tel,
		flag:     flag,
		updater:  updater,
		interval: tickInterval,
	}
}

// tick handles at most one pending message and advances the heartbeat counter.
func (l *controlLoop) tick() {
	if msg, ok := l.source.CheckMessage(); ok {
		l.handler.Handle(msg.Topic, msg.Payload)
	}

	l.ticks++
	if l.ticks >= heartbeatTicks {
		l.tel.PublishHeartbeat()
		l.ticks = 0
	}
}

// checkUpdate consumes a pending update request and runs the updater. On a
// successful install the updater does not return.
func (l *controlLoop) checkUpdate(ctx context.Context) {
	fired, err := l.flag.Consume()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("Failed to read update flag: %v\n", err)
		}
		return
	}
	if !fired {
		return
	}

	l.tel.Logf("Update requested, fetching new version")
	if err := l.updater.FetchAndInstall(ctx); err != nil {
		if errors.Is(err, ota.ErrNoUpdate) {
			l.tel.Logf("No update installed: %v", err)
			return
		}
		l.tel.Errorf("Failed to update: %v", err)
	}
}

// run ticks until ctx is done.
func (l *controlLoop) run(ctx context.Context) {
	log.Println("Control loop started")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.tick()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.Println("Control loop stopped")
			return
		}

		l.checkUpdate(ctx)
	}
}
