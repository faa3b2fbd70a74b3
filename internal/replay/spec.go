package replay

import (
	"fmt"
	"strings"
	"time"
)

// ScanDateLayout is the YYYYMMDDHHMMSS form operators use for scan bounds.
const ScanDateLayout = "20060102150405"

// Spec describes one replay run.
type Spec struct {
	// StartScan and EndScan bound the segments scanned, inclusive. A zero
	// value leaves that side open.
	StartScan time.Time `json:"start_scan,omitempty"`
	EndScan   time.Time `json:"end_scan,omitempty"`

	// Target is the address messages are republished to.
	Target string `json:"target"`

	// Filter is a selector expression; empty matches everything.
	Filter string `json:"filter,omitempty"`
}

// ParseScanDate parses a YYYYMMDDHHMMSS bound in UTC. An empty string is
// the open bound.
func ParseScanDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(ScanDateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid scan date %q (want YYYYMMDDHHMMSS): %w", s, err)
	}
	return t, nil
}

// NewSpec builds a Spec from the string form used by the API and CLI.
func NewSpec(startScan, endScan, target, filter string) (Spec, error) {
	start, err := ParseScanDate(startScan)
	if err != nil {
		return Spec{}, err
	}
	end, err := ParseScanDate(endScan)
	if err != nil {
		return Spec{}, err
	}
	spec := Spec{StartScan: start, EndScan: end, Target: target, Filter: filter}
	return spec, spec.Validate()
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Target) == "" {
		return fmt.Errorf("replay target is required")
	}
	if !s.StartScan.IsZero() && !s.EndScan.IsZero() && s.EndScan.Before(s.StartScan) {
		return fmt.Errorf("end scan %s is before start scan %s",
			s.EndScan.Format(ScanDateLayout), s.StartScan.Format(ScanDateLayout))
	}
	return nil
}
