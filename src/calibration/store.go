package calibration

import (
	"log"

	"github.com/ryansname/dosingctl/src/pump"
)

// Records is the persistence the store needs: whole-record text reads and writes by key.
type Records interface {
	Read(key string) (string, error)
	Write(key, value string) error
}

// Reporter receives recoverable faults. The telemetry publisher implements it by
// logging locally and forwarding to the remote log topic.
type Reporter interface {
	Errorf(format string, args ...any)
}

// Store reads and writes per-pump records. It keeps no cache: every Read goes to
// the backing records so external edits and failures are seen per operation.
type Store struct {
	records  Records
	reporter Reporter
}

// NewStore returns a store backed by records.
func NewStore(records Records, reporter Reporter) *Store {
	return &Store{records: records, reporter: reporter}
}

func key(id pump.ID) string {
	return "calibration_" + id.String() + ".txt"
}

// Read returns the persisted record for id. Any read or parse failure is reported
// and the compiled-in default is returned instead.
func (s *Store) Read(id pump.ID) Record {
	def, err := Default(id)
	if err != nil {
		s.reporter.Errorf("Failed to read calibration for %s: %v", id, err)
		return Record{}
	}

	raw, err := s.records.Read(key(id))
	if err != nil {
		s.reporter.Errorf("Failed to read calibration for %s from file: %v. Reverting to default.", id, err)
		return def
	}

	r, err := Parse(raw)
	if err != nil {
		s.reporter.Errorf("Failed to read calibration for %s from file: %v. Reverting to default.", id, err)
		return def
	}
	return r
}

// Write persists r for id. Failures are reported and not returned: the caller's
// in-memory record stays authoritative for the current operation.
func (s *Store) Write(id pump.ID, r Record) {
	if err := s.records.Write(key(id), r.String()); err != nil {
		s.reporter.Errorf("Failed to write calibration for %s to file: %v", id, err)
		return
	}
	log.Printf("Calibration for %s written to file: %s\n", id, r)
}
