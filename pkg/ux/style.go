// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux styles shadowscope's terminal output.
//
// Colors are only emitted when the destination is a terminal that supports
// them; NO_COLOR and non-terminal writers get plain text, so piped output
// and tests see the same bytes.
package ux

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette. Expressed paths use the bright teal, suppressed ones amber and
// void ones the muted slate.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorSlate       = lipgloss.Color("#2C4A54")
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styler renders text for one writer.
//
// Thread Safety: Safe for concurrent use.
type Styler struct {
	title      lipgloss.Style
	muted      lipgloss.Style
	errorStyle lipgloss.Style
	expressed  lipgloss.Style
	suppressed lipgloss.Style
	void       lipgloss.Style
}

// NewStyler returns a Styler whose color profile is detected from w.
func NewStyler(w io.Writer) *Styler {
	r := lipgloss.NewRenderer(w)
	return &Styler{
		title:      r.NewStyle().Bold(true).Foreground(ColorTealBright),
		muted:      r.NewStyle().Foreground(ColorSlate),
		errorStyle: r.NewStyle().Foreground(ColorError),
		expressed:  r.NewStyle().Foreground(ColorTealPrimary),
		suppressed: r.NewStyle().Foreground(ColorWarning),
		void:       r.NewStyle().Foreground(ColorSlate).Italic(true),
	}
}

// Title renders a heading.
func (s *Styler) Title(text string) string { return s.title.Render(text) }

// Muted renders secondary text.
func (s *Styler) Muted(text string) string { return s.muted.Render(text) }

// Error renders a failure message.
func (s *Styler) Error(text string) string { return s.errorStyle.Render(text) }

// Label renders a classification name ("expressed", "suppressed" or
// "void", any case). Other names are returned unchanged.
func (s *Styler) Label(name string) string {
	switch strings.ToLower(name) {
	case "expressed":
		return s.expressed.Render(name)
	case "suppressed":
		return s.suppressed.Render(name)
	case "void":
		return s.void.Render(name)
	default:
		return name
	}
}
