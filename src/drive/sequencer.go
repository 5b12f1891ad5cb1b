// Package drive runs a pump motor through its ramp-up, hold and ramp-down profile.
package drive

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/ryansname/dosingctl/src/calibration"
	"github.com/ryansname/dosingctl/src/pump"
	"github.com/ryansname/dosingctl/src/telemetry"
)

var (
	// ErrActuator wraps failures raised by the actuator driver or a panic mid-run.
	ErrActuator = errors.New("actuator fault")
	// ErrInvalidDuration is returned for non-finite run times and holds too long
	// to express as a time.Duration.
	ErrInvalidDuration = errors.New("invalid run duration")
)

const (
	// RampSteps is the number of discrete duty steps in each ramp.
	RampSteps = 5
	// StepDwell is how long each ramp step is held.
	StepDwell = 100 * time.Millisecond
	// FullDuty is the hold duty cycle in percent.
	FullDuty = 100.0
	// rampAllowance is the run time, in seconds, attributed to the two ramps.
	rampAllowance = 1.0
	// maxHoldSeconds is the longest hold a time.Duration can represent.
	maxHoldSeconds = float64(math.MaxInt64) / float64(time.Second)
)

// Phase is a state of one drive invocation.
type Phase int

const (
	Idle Phase = iota
	RampUp
	Hold
	RampDown
	Off
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case RampUp:
		return "RAMP_UP"
	case Hold:
		return "HOLD"
	case RampDown:
		return "RAMP_DOWN"
	case Off:
		return "OFF"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Actuator drives a motor channel.
type Actuator interface {
	// SetDuty sets the channel's duty cycle, 0 to 100 percent.
	SetDuty(channel int, percent float64) error
	// Release returns the channel to an undriven state.
	Release(channel int) error
}

// Calibrations supplies the record used to report a completed run.
type Calibrations interface {
	Read(id pump.ID) calibration.Record
}

// Telemetry receives completion records and diagnostics.
type Telemetry interface {
	Logf(format string, args ...any)
	Errorf(format string, args ...any)
	NewRunRecord(pumpName, dosingType string, volume, factor, slope, intercept float64) telemetry.RunRecord
	PublishRunRecord(r telemetry.RunRecord)
}

// RampUpSteps returns the duty for each ramp-up step: 20% to 100% in equal increments.
func RampUpSteps() []float64 {
	steps := make([]float64, RampSteps)
	for i := range steps {
		steps[i] = float64(i+1) * FullDuty / RampSteps
	}
	return steps
}

// RampDownSteps returns the duty for each ramp-down step: 100% falling by equal
// increments, the final step to 0% being the OFF state.
func RampDownSteps() []float64 {
	steps := make([]float64, RampSteps)
	for i := range steps {
		steps[i] = float64(RampSteps-i) * FullDuty / RampSteps
	}
	return steps
}

// HoldTime returns the full-duty hold for a requested run time in seconds. One
// second is reserved for the ramps; requests of a second or less hold for zero.
func HoldTime(requested float64) float64 {
	return math.Max(0, requested-rampAllowance)
}

// Result describes one drive invocation. Phase is the last phase entered: a
// completed or failed run ends in Off unless the fail-safe itself could not stop
// the motor. FailedIn is only meaningful when Err is set.
type Result struct {
	Pump      pump.ID
	Phase     Phase
	FailedIn  Phase
	Hold      float64 // seconds at full duty
	Timed     float64 // hold plus the ramp allowance
	Delivered float64 // volume implied by Timed
	Err       error
}

// Sequencer executes drive invocations one at a time. It is not safe for
// concurrent use; the control loop owns it.
type Sequencer struct {
	act   Actuator
	cal   Calibrations
	tel   Telemetry
	sleep func(time.Duration)
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithSleep replaces time.Sleep, for tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Sequencer) { s.sleep = sleep }
}

// NewSequencer returns a sequencer driving act.
func NewSequencer(act Actuator, cal Calibrations, tel Telemetry, opts ...Option) *Sequencer {
	s := &Sequencer{
		act:   act,
		cal:   cal,
		tel:   tel,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives def's motor for duration seconds and reports the run as kind. It
// blocks for the whole profile. On any failure the channel is forced to 0% and
// released before Run returns.
func (s *Sequencer) Run(def pump.Definition, duration float64, kind pump.DoseKind) Result {
	res := Result{Pump: def.ID, Phase: Idle}

	if math.IsNaN(duration) || math.IsInf(duration, 0) || HoldTime(duration) >= maxHoldSeconds {
		res.Err = fmt.Errorf("%w: %v", ErrInvalidDuration, duration)
		s.tel.Errorf("Failed to control %s: %v", def.ID, res.Err)
		return res
	}

	log.Printf("Turning %s on for %.2f seconds...\n", def.ID, duration)

	if err := s.drive(def, duration, &res); err != nil {
		res.Err = err
		s.tel.Errorf("Failed to control %s in %s: %v", def.ID, res.FailedIn, err)
		return res
	}

	// One read serves both the coefficients reported and the delivered estimate.
	rec := s.cal.Read(def.ID)
	res.Timed = res.Hold + rampAllowance
	res.Delivered = rec.Delivered(res.Timed)

	s.tel.PublishRunRecord(s.tel.NewRunRecord(
		def.ID.String(), string(kind), res.Delivered, rec.Factor, rec.Slope, rec.Intercept,
	))
	s.tel.Logf("dosing %s task completed", def.ID)
	return res
}

func (s *Sequencer) drive(def pump.Definition, duration float64, res *Result) (err error) {
	ch := def.Channel

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrActuator, r)
		}
		if err != nil {
			res.FailedIn = res.Phase
		}
		if offErr := s.stop(ch); offErr != nil {
			if err == nil {
				res.FailedIn = Off
			}
			err = errors.Join(err, offErr)
			return
		}
		res.Phase = Off
	}()

	res.Phase = RampUp
	for _, duty := range RampUpSteps() {
		if err := s.setDuty(ch, duty); err != nil {
			return err
		}
		s.sleep(StepDwell)
	}

	res.Phase = Hold
	res.Hold = HoldTime(duration)
	if err := s.setDuty(ch, FullDuty); err != nil {
		return err
	}
	s.sleep(time.Duration(res.Hold * float64(time.Second)))

	res.Phase = RampDown
	for _, duty := range RampDownSteps() {
		if err := s.setDuty(ch, duty); err != nil {
			return err
		}
		s.sleep(StepDwell)
	}
	return nil
}

func (s *Sequencer) setDuty(ch int, percent float64) error {
	if err := s.act.SetDuty(ch, percent); err != nil {
		return fmt.Errorf("%w: set channel %d to %.0f%%: %w", ErrActuator, ch, percent, err)
	}
	return nil
}

// stop forces the channel to 0% and releases it. Release is attempted even when
// the duty write fails.
func (s *Sequencer) stop(ch int) error {
	var errs []error
	if err := guard(func() error { return s.act.SetDuty(ch, 0) }); err != nil {
		errs = append(errs, fmt.Errorf("%w: stop channel %d: %w", ErrActuator, ch, err))
	}
	if err := guard(func() error { return s.act.Release(ch) }); err != nil {
		errs = append(errs, fmt.Errorf("%w: release channel %d: %w", ErrActuator, ch, err))
	}
	return errors.Join(errs...)
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
