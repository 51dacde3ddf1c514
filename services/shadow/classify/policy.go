// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classify labels scored operations as expressed, suppressed or
// void and aggregates run-level silence metrics.
package classify

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Label is the class of one node or edge.
type Label int

const (
	// Expressed: influence >= ExpressedMin.
	Expressed Label = iota

	// Suppressed: between the two thresholds.
	Suppressed

	// Void: influence <= VoidMax.
	Void
)

var labelNames = [...]string{
	Expressed:  "expressed",
	Suppressed: "suppressed",
	Void:       "void",
}

// String returns "expressed", "suppressed", "void" or "unknown".
func (l Label) String() string {
	if l >= 0 && int(l) < len(labelNames) {
		return labelNames[l]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (l Label) MarshalText() ([]byte, error) {
	if l < 0 || int(l) >= len(labelNames) {
		return nil, fmt.Errorf("unknown label %d", int(l))
	}
	return []byte(labelNames[l]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Label) UnmarshalText(b []byte) error {
	parsed, err := ParseLabel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLabel converts a name to a Label, case-insensitively.
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "expressed":
		return Expressed, nil
	case "suppressed":
		return Suppressed, nil
	case "void":
		return Void, nil
	default:
		return 0, fmt.Errorf("unknown label %q", s)
	}
}

// ErrInvalidThresholdPolicy is the sentinel for *InvalidThresholdPolicyError.
var ErrInvalidThresholdPolicy = errors.New("invalid threshold policy")

// InvalidThresholdPolicyError reports a policy that cannot partition [0, 1].
type InvalidThresholdPolicyError struct {
	ExpressedMin float64
	VoidMax      float64
	Reason       string
}

func (e *InvalidThresholdPolicyError) Error() string {
	return fmt.Sprintf("invalid threshold policy (expressed_min=%v, void_max=%v): %s",
		e.ExpressedMin, e.VoidMax, e.Reason)
}

// Unwrap returns ErrInvalidThresholdPolicy.
func (e *InvalidThresholdPolicyError) Unwrap() error { return ErrInvalidThresholdPolicy }

// Policy holds the classification thresholds.
type Policy struct {
	// ExpressedMin is the lowest influence classified Expressed.
	ExpressedMin float64 `json:"expressed_min"`

	// VoidMax is the highest influence classified Void.
	VoidMax float64 `json:"void_max"`
}

// DefaultSilenceThreshold matches the default silence_threshold setting.
const DefaultSilenceThreshold = 0.3

// DefaultPolicy returns PolicyFromSilenceThreshold(DefaultSilenceThreshold).
func DefaultPolicy() Policy {
	return PolicyFromSilenceThreshold(DefaultSilenceThreshold)
}

// PolicyFromSilenceThreshold maps silence_threshold t to {t, t/3}.
func PolicyFromSilenceThreshold(t float64) Policy {
	return Policy{ExpressedMin: t, VoidMax: t / 3}
}

// Validate checks both thresholds are in [0, 1] and VoidMax <= ExpressedMin.
func (p Policy) Validate() error {
	fail := func(reason string) error {
		return &InvalidThresholdPolicyError{ExpressedMin: p.ExpressedMin, VoidMax: p.VoidMax, Reason: reason}
	}
	if math.IsNaN(p.ExpressedMin) || math.IsNaN(p.VoidMax) {
		return fail("threshold is NaN")
	}
	if p.ExpressedMin < 0 || p.ExpressedMin > 1 {
		return fail("expressed_min outside [0, 1]")
	}
	if p.VoidMax < 0 || p.VoidMax > 1 {
		return fail("void_max outside [0, 1]")
	}
	if p.VoidMax > p.ExpressedMin {
		return fail("void_max exceeds expressed_min")
	}
	return nil
}

// Label classifies one influence value. Expressed wins when both
// thresholds match.
func (p Policy) Label(influence float64) Label {
	switch {
	case influence >= p.ExpressedMin:
		return Expressed
	case influence <= p.VoidMax:
		return Void
	default:
		return Suppressed
	}
}

// Confidence returns how far inside its class band influence lies, mapped
// to [0.5, 1]. 0.5 sits on a threshold, 1 at the far edge of the band.
func (p Policy) Confidence(influence float64) float64 {
	var c float64
	switch p.Label(influence) {
	case Expressed:
		if p.ExpressedMin >= 1 {
			return 1
		}
		c = 0.5 + 0.5*(influence-p.ExpressedMin)/(1-p.ExpressedMin)
	case Void:
		if p.VoidMax <= 0 {
			return 1
		}
		c = 0.5 + 0.5*(p.VoidMax-influence)/p.VoidMax
	default:
		half := (p.ExpressedMin - p.VoidMax) / 2
		if half <= 0 {
			return 0.5
		}
		c = 0.5 + 0.5*min(influence-p.VoidMax, p.ExpressedMin-influence)/half
	}
	return min(max(c, 0.5), 1)
}
