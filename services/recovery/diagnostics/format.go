// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnostics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fablewood/resilience/services/recovery/classify"
)

// FormatJSON serializes the report losslessly for machine consumers.
func FormatJSON(r *Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FormatText flattens the report for humans: support staff reading a
// pasted report in a ticket, not a JSON viewer.
func FormatText(r *Report) string {
	var b strings.Builder

	section(&b, "Diagnostic Report")
	fmt.Fprintf(&b, "ID:               %s\n", r.Metadata.ID)
	fmt.Fprintf(&b, "Generated:        %s\n", r.Metadata.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Session duration: %s\n", r.Metadata.SessionDuration.Round(time.Second))

	if r.Panic != nil {
		section(&b, "Panic")
		fmt.Fprintf(&b, "Component: %s\n", r.Panic.Component)
		fmt.Fprintf(&b, "Value:     %s\n", r.Panic.Value)
		fmt.Fprintf(&b, "Stack:\n%s\n", r.Panic.Stack)
	}

	section(&b, "Environment")
	fmt.Fprintf(&b, "Wrapped container: %t (confidence %s)\n",
		r.Environment.IsWrappedContainer, r.Environment.Confidence)
	for _, m := range r.Environment.Methods {
		mark := "not detected"
		if m.Detected {
			mark = fmt.Sprintf("detected (%.2f)", m.Confidence)
		}
		fmt.Fprintf(&b, "  %-18s %s", m.Method+":", mark)
		if m.Evidence != "" {
			fmt.Fprintf(&b, " [%s]", m.Evidence)
		}
		b.WriteByte('\n')
	}

	section(&b, "System")
	fmt.Fprintf(&b, "Host:    %s (pid %d, process up %s)\n",
		orUnknown(r.System.Hostname), r.System.PID, r.System.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "Runtime: %s %s/%s, %d cpus, %d goroutines\n",
		r.System.GoVersion, r.System.OS, r.System.Arch, r.System.CPUs, r.System.Goroutines)
	fmt.Fprintf(&b, "Memory:  %d MB alloc / %d MB sys / %d GC runs\n",
		r.System.Memory.AllocMB, r.System.Memory.SysMB, r.System.Memory.GCRuns)
	if r.System.DataDir != "" {
		if r.System.Disk != nil {
			fmt.Fprintf(&b, "Data:    %s (%d MB free of %d MB)\n",
				r.System.DataDir, r.System.Disk.FreeMB, r.System.Disk.TotalMB)
		} else {
			fmt.Fprintf(&b, "Data:    %s (disk stats unavailable)\n", r.System.DataDir)
		}
	}
	for _, kv := range r.System.Env {
		fmt.Fprintf(&b, "Env:     %s\n", kv)
	}

	section(&b, "Health")
	fmt.Fprintf(&b, "Overall: %s (last check %s, uptime %s)\n",
		r.Health.Overall, formatTime(r.Health.LastCheck), r.Health.Uptime.Round(time.Second))
	for _, component := range sortedKeys(r.Health.Components) {
		fmt.Fprintf(&b, "  %-16s %s\n", component+":", r.Health.Components[component])
	}

	section(&b, "Errors")
	escalated := "no"
	if r.Errors.Escalated {
		escalated = "yes"
	}
	fmt.Fprintf(&b, "Total: %d (critical %d, escalated %s)\n",
		r.Errors.Total, r.Errors.CriticalCount, escalated)
	for _, category := range sortedCategoryKeys(r.Errors.ByCategory) {
		fmt.Fprintf(&b, "  %-24s %d\n", category+":", r.Errors.ByCategory[classify.FailureType(category)])
	}
	if last := r.Errors.LastError; last != nil {
		fmt.Fprintf(&b, "Last: [%s/%s] %s (%s, %s)\n",
			last.Type, last.Severity, last.Message, orUnknown(last.Context),
			formatTime(last.Timestamp))
	}

	section(&b, "Troubleshooting")
	writeList(&b, "Likely issues", r.Troubleshooting.LikelyIssues)
	writeList(&b, "Critical findings", r.Troubleshooting.CriticalFindings)
	writeList(&b, "Environment warnings", r.Troubleshooting.EnvironmentWarnings)

	section(&b, "Recommendations")
	for i, rec := range r.Recommendations {
		fmt.Fprintf(&b, "%2d. %s\n", i+1, rec)
	}

	return b.String()
}

func section(b *strings.Builder, title string) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	fmt.Fprintf(b, "=== %s ===\n", title)
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		fmt.Fprintf(b, "%s: none\n", title)
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", item)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCategoryKeys(m map[classify.FailureType]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
