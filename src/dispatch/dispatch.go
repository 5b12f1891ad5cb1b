// Package dispatch routes inbound command messages to the pump handlers.
//
// Every message is evaluated against all rules in a fixed order: reset, update,
// calibration, dosing, priming. A message may match several rules and each
// matching rule runs in isolation, so a failure in one never prevents the next.
package dispatch

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/ryansname/dosingctl/src/calibration"
	"github.com/ryansname/dosingctl/src/drive"
	"github.com/ryansname/dosingctl/src/pump"
)

var (
	// ErrMalformedPayload is returned when a payload cannot be parsed for its rule.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrHandlerPanic is returned when a rule handler panics.
	ErrHandlerPanic = errors.New("handler panic")
)

// Rule names, in evaluation order.
const (
	RuleReset       = "reset"
	RuleUpdate      = "update"
	RuleCalibration = "calibration"
	RuleDosing      = "dosing"
	RulePriming     = "priming"
)

// Keywords are the topic substrings that select the reset, update and
// calibration rules. Matching is by containment anywhere in the topic.
type Keywords struct {
	Reset       string
	Update      string
	Calibration string
}

// DefaultKeywords returns the keywords used by deployed controllers.
func DefaultKeywords() Keywords {
	return Keywords{
		Reset:       "restart",
		Update:      "update",
		Calibration: "calibration",
	}
}

// Calibrations is the calibration store.
type Calibrations interface {
	Read(id pump.ID) calibration.Record
	Write(id pump.ID, r calibration.Record)
}

// Driver runs one pump profile.
type Driver interface {
	Run(def pump.Definition, duration float64, kind pump.DoseKind) drive.Result
}

// UpdateFlag is the write side of the deferred update request.
type UpdateFlag interface {
	Write(v int) error
}

// Reporter receives diagnostics. Errorf lines go to the local log and the remote
// log topic.
type Reporter interface {
	Logf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Deps are the collaborators a Dispatcher drives.
type Deps struct {
	Calibrations Calibrations
	Driver       Driver
	UpdateFlag   UpdateFlag
	Reset        func() error
	Reporter     Reporter
}

// Outcome is the result of evaluating one rule against one message.
type Outcome struct {
	Rule    string
	Matched bool
	Err     error
	// Fallback is set when a calibration update was rejected and the pump's
	// compiled-in default stands in for the rest of the message's handling.
	Fallback *calibration.Record
	Runs     []drive.Result
}

type rule struct {
	name   string
	match  func(topic string) bool
	handle func(topic, payload string, out *Outcome)
}

// Dispatcher evaluates inbound messages. It holds no per-message state.
type Dispatcher struct {
	pumps    []pump.Definition
	keywords Keywords
	deps     Deps
	rules    []rule
}

// New returns a dispatcher for the given pump table.
func New(pumps []pump.Definition, keywords Keywords, deps Deps) *Dispatcher {
	d := &Dispatcher{pumps: pumps, keywords: keywords, deps: deps}
	d.rules = []rule{
		{name: RuleReset, match: d.contains(keywords.Reset), handle: d.handleReset},
		{name: RuleUpdate, match: d.contains(keywords.Update), handle: d.handleUpdate},
		{name: RuleCalibration, match: d.contains(keywords.Calibration), handle: d.handleCalibration},
		{name: RuleDosing, match: func(topic string) bool {
			return len(pump.MatchDosing(d.pumps, topic)) > 0
		}, handle: d.handleDosing},
		{name: RulePriming, match: func(topic string) bool {
			return len(pump.MatchPriming(d.pumps, topic)) > 0
		}, handle: d.handlePriming},
	}
	return d
}

// Rules returns the rule names in evaluation order.
func (d *Dispatcher) Rules() []string {
	names := make([]string, len(d.rules))
	for i, r := range d.rules {
		names[i] = r.name
	}
	return names
}

func (d *Dispatcher) contains(keyword string) func(string) bool {
	return func(topic string) bool {
		return keyword != "" && strings.Contains(topic, keyword)
	}
}

// Handle evaluates every rule against the message and returns one Outcome per
// rule in evaluation order.
func (d *Dispatcher) Handle(topic string, payload []byte) []Outcome {
	log.Printf("Received message: %s on topic: %s\n", payload, topic)

	outcomes := make([]Outcome, 0, len(d.rules))
	for _, r := range d.rules {
		outcomes = append(outcomes, d.apply(r, topic, string(payload)))
	}
	return outcomes
}

func (d *Dispatcher) apply(r rule, topic, payload string) (out Outcome) {
	out.Rule = r.name
	if !r.match(topic) {
		return out
	}
	out.Matched = true

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%w: %s: %v", ErrHandlerPanic, r.name, p)
			out.Err = errors.Join(out.Err, err)
			d.deps.Reporter.Errorf("Failed handling %s message on %s: %v", r.name, topic, err)
		}
	}()
	r.handle(topic, payload, &out)
	return out
}

func (d *Dispatcher) handleReset(_, _ string, out *Outcome) {
	if d.deps.Reset == nil {
		out.Err = errors.New("reset not supported")
		d.deps.Reporter.Errorf("Failed Reset system: %v", out.Err)
		return
	}
	if err := d.deps.Reset(); err != nil {
		out.Err = err
		d.deps.Reporter.Errorf("Failed Reset system: %v", err)
	}
}

func (d *Dispatcher) handleUpdate(_, payload string, out *Outcome) {
	log.Println("update main request received.")

	v, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		out.Err = fmt.Errorf("%w: update flag %q: %w", ErrMalformedPayload, payload, err)
		d.deps.Reporter.Errorf("Failed to process control message: %v", out.Err)
		return
	}
	if err := d.deps.UpdateFlag.Write(v); err != nil {
		out.Err = err
		d.deps.Reporter.Errorf("Failed to process control message: %v", err)
	}
}

// calibrationPump extracts the pump name from the second topic segment.
func calibrationPump(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[1] == "" {
		return "", fmt.Errorf("%w: no pump segment in topic %q", ErrMalformedPayload, topic)
	}
	return parts[1], nil
}

func (d *Dispatcher) handleCalibration(topic, payload string, out *Outcome) {
	name, err := calibrationPump(topic)
	if err != nil {
		out.Err = err
		d.deps.Reporter.Errorf("An unexpected error occurred during calibration handling: %v", err)
		return
	}

	id, err := pump.ParseID(name)
	if err != nil {
		out.Err = err
		d.deps.Reporter.Errorf("Failed handling calibration constant for %s: %v", name, err)
		return
	}

	rec, err := calibration.Parse(payload)
	if err != nil {
		out.Err = fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		d.deps.Reporter.Errorf("Failed handling calibration constant for %s: %v. Reverting to default.", id, err)
		if def, defErr := calibration.Default(id); defErr == nil {
			out.Fallback = &def
		}
		return
	}

	d.deps.Calibrations.Write(id, rec)
	log.Printf("Calibration for %s updated: %.4f, Slope: %.4f, Intercept: %.4f\n",
		id, rec.Factor, rec.Slope, rec.Intercept)
}

func (d *Dispatcher) handleDosing(topic, payload string, out *Outcome) {
	for _, def := range pump.MatchDosing(d.pumps, topic) {
		d.dose(def, payload, pump.Standard, out, "Failed control for %s: %v at the message decrypting section")
	}
}

func (d *Dispatcher) handlePriming(topic, payload string, out *Outcome) {
	for _, def := range pump.MatchPriming(d.pumps, topic) {
		d.dose(def, payload, pump.Prime, out, "Failed to prime %s: %v")
	}
}

// parseVolume reads a requested volume. Non-finite and negative volumes are rejected.
func parseVolume(payload string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: volume %q: %w", ErrMalformedPayload, payload, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: volume %q out of range", ErrMalformedPayload, payload)
	}
	return v, nil
}

// dose converts the payload to a run time using a single calibration read and
// drives the pump. Drive failures are reported by the sequencer itself.
func (d *Dispatcher) dose(def pump.Definition, payload string, kind pump.DoseKind, out *Outcome, failure string) {
	volume, err := parseVolume(payload)
	if err != nil {
		out.Err = errors.Join(out.Err, err)
		d.deps.Reporter.Errorf(failure, def.ID, err)
		return
	}

	rec := d.deps.Calibrations.Read(def.ID)
	duration, err := rec.Duration(volume)
	if err != nil {
		out.Err = errors.Join(out.Err, err)
		d.deps.Reporter.Errorf(failure, def.ID, err)
		return
	}

	res := d.deps.Driver.Run(def, duration, kind)
	out.Runs = append(out.Runs, res)
	if res.Err != nil {
		out.Err = errors.Join(out.Err, res.Err)
	}
}
