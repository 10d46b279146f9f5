// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides rich terminal output styling for the Fablewood CLI.
package ux

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Fablewood color palette - evening forest greens and lantern golds
var (
	// Primary palette (brightest to darkest)
	ColorGlowBright  = lipgloss.Color("#8FD672") // Firefly glow - highlights, success
	ColorFernPrimary = lipgloss.Color("#5FA85A") // Primary fern - main brand color
	ColorMossVibrant = lipgloss.Color("#4C9056") // Vibrant moss - interactive elements
	ColorPineMedium  = lipgloss.Color("#3E7A4E") // Medium pine - secondary elements
	ColorForestDeep  = lipgloss.Color("#2F6343") // Deep forest - borders, accents
	ColorGroveShade  = lipgloss.Color("#275239") // Grove shade - subtle accents

	// Dark palette (for backgrounds, muted elements)
	ColorUnderwood = lipgloss.Color("#1E4030") // Underwood - dark backgrounds
	ColorThicket   = lipgloss.Color("#18352A") // Thicket - darker backgrounds
	ColorMidnight  = lipgloss.Color("#102420") // Midnight - deep backgrounds
	ColorSlate     = lipgloss.Color("#46584C") // Slate - muted text, borders
	ColorDarkest   = lipgloss.Color("#0B1713") // Darkest - near black

	// Semantic colors (keeping standard conventions for clarity)
	ColorSuccess = lipgloss.Color("#8FD672") // Firefly green for success
	ColorWarning = lipgloss.Color("#F5C84C") // Lantern gold for warnings
	ColorError   = lipgloss.Color("#E7604C") // Ember red for errors
	ColorMuted   = lipgloss.Color("#46584C") // Slate for muted text
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	// Text styles
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	// Box styles
	Box        lipgloss.Style
	InfoBox    lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style

	// Status indicators
	StatusOK      lipgloss.Style
	StatusWarning lipgloss.Style
	StatusError   lipgloss.Style
	StatusPending lipgloss.Style
}{
	// Text styles
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorGlowBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorFernPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorGlowBright).Bold(true),

	// Box styles
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorForestDeep).
		Padding(0, 1),
	InfoBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorFernPrimary).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),

	// Status indicators
	StatusOK:      lipgloss.NewStyle().SetString("✓").Foreground(ColorSuccess),
	StatusWarning: lipgloss.NewStyle().SetString("⚠").Foreground(ColorWarning),
	StatusError:   lipgloss.NewStyle().SetString("✗").Foreground(ColorError),
	StatusPending: lipgloss.NewStyle().SetString("○").Foreground(ColorSlate),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
	IconSpark   Icon = "✦"
	IconFleuron Icon = "❧"
	IconMoon    Icon = "☾"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// StateIcon maps a component health state to its display icon.
func StateIcon(state string) Icon {
	switch state {
	case "healthy", "active", "ready":
		return IconSuccess
	case "degraded":
		return IconWarning
	case "failed":
		return IconError
	case "not_applicable":
		return IconPending
	default:
		return IconBullet
	}
}

// Print helpers that respect personality level

// Title prints a styled title
func Title(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Println(Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func Success(text string) {
	p := GetPersonality()
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintf(os.Stdout, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Printf("%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Printf("%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func Warning(text string) {
	p := GetPersonality()
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintf(os.Stderr, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Printf("%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Printf("%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func Error(text string) {
	p := GetPersonality()
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Printf("%s %s\n", IconError.Render(), text)
	default:
		fmt.Printf("%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func Info(text string) {
	p := GetPersonality()
	switch p.Level {
	case PersonalityMachine:
		fmt.Println(text)
	default:
		fmt.Printf("%s %s\n", Styles.Muted.Render("│"), text)
	}
}

// Muted prints muted/secondary text
func Muted(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Println(Styles.Muted.Render(text))
}

// Box prints text in a rounded box
func Box(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Printf("%s: %s\n", title, content)
		return
	}
	boxStyle := Styles.Box.Width(60)
	titleLine := Styles.Title.Render(title)
	fmt.Println(boxStyle.Render(titleLine + "\n" + content))
}

// WarningBox prints text in a warning-styled box
func WarningBox(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(os.Stderr, "WARN %s: %s\n", title, content)
		return
	}
	boxStyle := Styles.WarningBox.Width(60)
	titleLine := Styles.Warning.Bold(true).Render(title)
	fmt.Println(boxStyle.Render(titleLine + "\n" + content))
}

// StatusLine prints a component with its health state
func StatusLine(name, state string) {
	p := GetPersonality()
	switch p.Level {
	case PersonalityMachine:
		fmt.Printf("%s\t%s\n", name, state)
	case PersonalityMinimal:
		fmt.Printf("%s %s\n", StateIcon(state).Render(), name)
	default:
		fmt.Printf("%s %-16s %s\n", StateIcon(state).Render(), name, renderState(state))
	}
}

// renderState colors a health state word by its meaning.
func renderState(state string) string {
	switch StateIcon(state) {
	case IconSuccess:
		return Styles.Success.Render(state)
	case IconWarning:
		return Styles.Warning.Render(state)
	case IconError:
		return Styles.Error.Render(state)
	default:
		return Styles.Muted.Render(state)
	}
}

// KeyValue prints an aligned key/value line
func KeyValue(key, value string) {
	p := GetPersonality()
	switch p.Level {
	case PersonalityMachine:
		fmt.Printf("%s=%s\n", key, value)
	default:
		fmt.Printf("%s %s\n", Styles.Muted.Render(fmt.Sprintf("%-12s", key+":")), value)
	}
}

// HealthSummary prints a summary line with component state counts
func HealthSummary(healthy, degraded, failed int) {
	p := GetPersonality()
	switch p.Level {
	case PersonalityMachine:
		fmt.Printf("SUMMARY: healthy=%d degraded=%d failed=%d\n", healthy, degraded, failed)
	default:
		fmt.Printf("\n%s %s  %s %s  %s %s\n",
			Styles.Success.Render(fmt.Sprintf("%d", healthy)), Styles.Muted.Render("healthy"),
			Styles.Warning.Render(fmt.Sprintf("%d", degraded)), Styles.Muted.Render("degraded"),
			Styles.Error.Render(fmt.Sprintf("%d", failed)), Styles.Muted.Render("failed"),
		)
	}
}

// Tip prints an end-of-command hint when tips are enabled
func Tip(text string) {
	p := GetPersonality()
	if p.Level == PersonalityMachine || !p.ShowTips {
		return
	}
	fmt.Printf("%s %s\n", string(IconFleuron), Styles.Muted.Render(text))
}
