package calibration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/dosingctl/src/pump"
)

func TestDuration_Pump1Example(t *testing.T) {
	r := Record{Factor: 0.3540, Slope: 1.0, Intercept: 0.0}

	d, err := r.Duration(10)
	require.NoError(t, err)
	assert.InDelta(t, 3.54, d, 1e-9)
}

func TestDuration_AppliesLinearCorrection(t *testing.T) {
	r := Record{Factor: 0.4, Slope: 1.13, Intercept: -0.77}

	d, err := r.Duration(10)
	require.NoError(t, err)

	// (10 + 0.77) / 1.13 = 9.5310..., * 0.4
	assert.InDelta(t, (10.77/1.13)*0.4, d, 1e-12)
}

func TestDuration_RoundTrip(t *testing.T) {
	records := []Record{
		{Factor: 0.354, Slope: 1, Intercept: 0},
		{Factor: 0.4, Slope: 1.13, Intercept: -0.77},
		{Factor: 2.5, Slope: -0.8, Intercept: 3},
		{Factor: 0.01, Slope: 40, Intercept: 1e-3},
	}
	volumes := []float64{0, 0.5, 1, 10, 123.456, 5000}

	for _, r := range records {
		for _, v := range volumes {
			d, err := r.Duration(v)
			require.NoError(t, err)
			assert.InDelta(t, v, r.Delivered(d), 1e-9*math.Max(1, math.Abs(v)), "record %s volume %v", r, v)
		}
	}
}

func TestDuration_RejectsInvalidRecord(t *testing.T) {
	tests := []struct {
		name string
		r    Record
	}{
		{"zero slope", Record{Factor: 0.4, Slope: 0, Intercept: 0}},
		{"zero factor", Record{Factor: 0, Slope: 1, Intercept: 0}},
		{"negative factor", Record{Factor: -1, Slope: 1, Intercept: 0}},
		{"nan intercept", Record{Factor: 1, Slope: 1, Intercept: math.NaN()}},
		{"inf slope", Record{Factor: 1, Slope: math.Inf(1), Intercept: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.r.Duration(10)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestParse(t *testing.T) {
	r, err := Parse("0.4000 1.13 -0.77")
	require.NoError(t, err)
	assert.Equal(t, Record{Factor: 0.4, Slope: 1.13, Intercept: -0.77}, r)

	r, err = Parse("  0.354\t1.0\n0.0 ")
	require.NoError(t, err)
	assert.Equal(t, Record{Factor: 0.354, Slope: 1, Intercept: 0}, r)
}

func TestParse_Malformed(t *testing.T) {
	for _, s := range []string{
		"",
		"0.4",
		"0.4 1.13",
		"0.4 1.13 -0.77 9",
		"0.4 abc -0.77",
		"0.4 0 1",
		"-0.4 1 1",
		"NaN 1 1",
	} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalidRecord, "input %q", s)
	}
}

func TestString_FourDecimals(t *testing.T) {
	r := Record{Factor: 0.4, Slope: 1.13, Intercept: -0.77}
	assert.Equal(t, "0.4000 1.1300 -0.7700", r.String())

	r = Record{Factor: 0.123456, Slope: 1, Intercept: 0}
	assert.Equal(t, "0.1235 1.0000 0.0000", r.String())
}

func TestDefaults(t *testing.T) {
	require.NoError(t, CheckDefaults(pump.All()))

	r, err := Default(pump.Pump4)
	require.NoError(t, err)
	assert.Equal(t, Record{Factor: 0.4, Slope: 1.13, Intercept: -0.77}, r)

	_, err = Default(pump.ID(9))
	assert.ErrorIs(t, err, pump.ErrUnknownPump)

	assert.Error(t, CheckDefaults([]pump.ID{pump.Pump1, pump.ID(5)}))

	// Defaults returns a copy
	all := Defaults()
	all[pump.Pump1] = Record{}
	r, _ = Default(pump.Pump1)
	assert.Equal(t, 0.354, r.Factor)
}
