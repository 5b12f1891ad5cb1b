package calibration

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/dosingctl/src/kvfile"
	"github.com/ryansname/dosingctl/src/pump"
)

type recordingReporter struct {
	lines []string
}

func (r *recordingReporter) Errorf(format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

type failingRecords struct {
	err error
}

func (f failingRecords) Read(string) (string, error) { return "", f.err }
func (f failingRecords) Write(string, string) error { return f.err }

type memRecords map[string]string

func (m memRecords) Read(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m memRecords) Write(key, value string) error {
	m[key] = value
	return nil
}

func newFileStore(t *testing.T) (*Store, *recordingReporter) {
	t.Helper()
	dir, err := kvfile.New(t.TempDir())
	require.NoError(t, err)
	rep := &recordingReporter{}
	return NewStore(dir, rep), rep
}

func TestStore_WriteThenRead(t *testing.T) {
	store, rep := newFileStore(t)

	want := Record{Factor: 0.4, Slope: 1.13, Intercept: -0.77}
	store.Write(pump.Pump4, want)

	got := store.Read(pump.Pump4)
	assert.InDelta(t, want.Factor, got.Factor, 5e-5)
	assert.InDelta(t, want.Slope, got.Slope, 5e-5)
	assert.InDelta(t, want.Intercept, got.Intercept, 5e-5)
	assert.Empty(t, rep.lines)
}

func TestStore_WriteRoundsToFourDecimals(t *testing.T) {
	store, _ := newFileStore(t)

	store.Write(pump.Pump2, Record{Factor: 0.123456, Slope: 1.00004, Intercept: 0.33333})
	got := store.Read(pump.Pump2)

	assert.Equal(t, Record{Factor: 0.1235, Slope: 1.0, Intercept: 0.3333}, got)
}

func TestStore_MissingRecordReturnsDefault(t *testing.T) {
	store, rep := newFileStore(t)

	for _, id := range pump.All() {
		rep.lines = nil
		want, _ := Default(id)
		assert.Equal(t, want, store.Read(id))
		assert.Len(t, rep.lines, 1, "one fault reported for %s", id)
	}
}

func TestStore_MalformedRecordReturnsDefault(t *testing.T) {
	records := memRecords{
		"calibration_pump1.txt": "0.4 1.0",
		"calibration_pump2.txt": "abc 1 0",
		"calibration_pump3.txt": "0.4 0 0",
	}
	rep := &recordingReporter{}
	store := NewStore(records, rep)

	for _, id := range []pump.ID{pump.Pump1, pump.Pump2, pump.Pump3} {
		want, _ := Default(id)
		assert.Equal(t, want, store.Read(id))
	}
	assert.Len(t, rep.lines, 3)
}

func TestStore_ReadFailureReturnsDefault(t *testing.T) {
	rep := &recordingReporter{}
	store := NewStore(failingRecords{err: errors.New("flash busy")}, rep)

	want, _ := Default(pump.Pump3)
	assert.Equal(t, want, store.Read(pump.Pump3))
	require.Len(t, rep.lines, 1)
	assert.Contains(t, rep.lines[0], "pump3")
	assert.Contains(t, rep.lines[0], "flash busy")
}

func TestStore_WriteFailureIsReportedNotFatal(t *testing.T) {
	rep := &recordingReporter{}
	store := NewStore(failingRecords{err: errors.New("read-only")}, rep)

	store.Write(pump.Pump1, Record{Factor: 1, Slope: 1, Intercept: 0})
	require.Len(t, rep.lines, 1)
	assert.Contains(t, rep.lines[0], "Failed to write calibration for pump1")
}

func TestStore_PumpsAreIndependent(t *testing.T) {
	records := memRecords{}
	store := NewStore(records, &recordingReporter{})

	store.Write(pump.Pump1, Record{Factor: 1, Slope: 2, Intercept: 3})
	records["calibration_pump2.txt"] = "garbage"

	assert.Equal(t, Record{Factor: 1, Slope: 2, Intercept: 3}, store.Read(pump.Pump1))
	def, _ := Default(pump.Pump2)
	assert.Equal(t, def, store.Read(pump.Pump2))
}
