// Package calibration converts requested volumes into motor run time and back,
// and persists the per-pump coefficients that drive the conversion.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ryansname/dosingctl/src/pump"
)

// ErrInvalidRecord is returned for coefficient triples that cannot drive a pump.
var ErrInvalidRecord = errors.New("invalid calibration record")

// Record holds the empirical coefficients for one pump.
//
// Factor is seconds of run time per unit of adjusted volume. Slope and Intercept
// map a nominal requested volume onto the adjusted volume before Factor applies.
type Record struct {
	Factor    float64
	Slope     float64
	Intercept float64
}

// Validate checks the invariants Factor > 0 and Slope != 0 and rejects non-finite values.
func (r Record) Validate() error {
	for _, v := range []float64{r.Factor, r.Slope, r.Intercept} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coefficient in %s", ErrInvalidRecord, r)
		}
	}
	if r.Factor <= 0 {
		return fmt.Errorf("%w: factor %.4f must be positive", ErrInvalidRecord, r.Factor)
	}
	if r.Slope == 0 {
		return fmt.Errorf("%w: slope must be non-zero", ErrInvalidRecord)
	}
	return nil
}

// Duration returns the motor run time in seconds for a requested volume:
// ((volume - intercept) / slope) * factor.
func (r Record) Duration(volume float64) (float64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	adjusted := (volume - r.Intercept) / r.Slope
	return adjusted * r.Factor, nil
}

// Delivered is the reporting direction of Duration: the volume implied by a timed
// run of the given length, (timed / factor) * slope + intercept.
func (r Record) Delivered(timed float64) float64 {
	return (timed/r.Factor)*r.Slope + r.Intercept
}

// String formats the record as it is persisted: three fixed 4-decimal fields.
func (r Record) String() string {
	return fmt.Sprintf("%.4f %.4f %.4f", r.Factor, r.Slope, r.Intercept)
}

// Parse reads "<factor> <slope> <intercept>" separated by any whitespace.
func Parse(s string) (Record, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return Record{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrInvalidRecord, len(fields))
	}

	var vals [3]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Record{}, fmt.Errorf("%w: field %d: %w", ErrInvalidRecord, i+1, err)
		}
		vals[i] = v
	}

	r := Record{Factor: vals[0], Slope: vals[1], Intercept: vals[2]}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

var defaults = map[pump.ID]Record{
	pump.Pump1: {Factor: 0.3540, Slope: 1.0, Intercept: 0.0},
	pump.Pump2: {Factor: 0.3540, Slope: 1.0, Intercept: 0.0},
	pump.Pump3: {Factor: 0.3740, Slope: 1.0, Intercept: 0.0},
	pump.Pump4: {Factor: 0.4000, Slope: 1.13, Intercept: -0.77},
}

// Default returns the compiled-in record for id.
func Default(id pump.ID) (Record, error) {
	r, ok := defaults[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", pump.ErrUnknownPump, id)
	}
	return r, nil
}

// Defaults returns a copy of all compiled-in records.
func Defaults() map[pump.ID]Record {
	out := make(map[pump.ID]Record, len(defaults))
	for id, r := range defaults {
		out[id] = r
	}
	return out
}

// CheckDefaults verifies that every pump has a valid compiled-in record.
func CheckDefaults(ids []pump.ID) error {
	for _, id := range ids {
		r, err := Default(id)
		if err != nil {
			return err
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("default for %s: %w", id, err)
		}
	}
	return nil
}
