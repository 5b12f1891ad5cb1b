// Package ota handles deferred self-update and process restart.
package ota

import (
	"fmt"
	"strconv"
	"strings"
)

// Flag values persisted in the update record.
const (
	FlagIdle    = 0
	FlagTrigger = 1
)

const flagKey = "update.txt"

// Records is the persistence the flag needs.
type Records interface {
	Read(key string) (string, error)
	Write(key, value string) error
}

// FlagStore persists the deferred update request. The dispatcher writes it; the
// control loop reads and clears it.
type FlagStore struct {
	records Records
}

// NewFlagStore returns a flag store backed by records.
func NewFlagStore(records Records) *FlagStore {
	return &FlagStore{records: records}
}

// Read returns the persisted flag value.
func (f *FlagStore) Read() (int, error) {
	raw, err := f.records.Read(flagKey)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse update flag %q: %w", raw, err)
	}
	return v, nil
}

// Write persists v.
func (f *FlagStore) Write(v int) error {
	if err := f.records.Write(flagKey, strconv.Itoa(v)); err != nil {
		return fmt.Errorf("write update flag: %w", err)
	}
	return nil
}

// Consume reports whether the flag is set to FlagTrigger and, if so, clears it
// before returning so one request triggers at most one update.
func (f *FlagStore) Consume() (bool, error) {
	v, err := f.Read()
	if err != nil {
		return false, err
	}
	if v != FlagTrigger {
		return false, nil
	}
	if err := f.Write(FlagIdle); err != nil {
		return false, err
	}
	return true, nil
}
