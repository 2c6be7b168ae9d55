package reporting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"feature-materializer/internal/verification"
)

// RenderVerificationMarkdown renders verification reports as Markdown.
func RenderVerificationMarkdown(generatedAt time.Time, reports []*verification.Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# Verification Report\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", generatedAt.UTC().Format(time.RFC3339)))

	// Summary
	sb.WriteString("## Summary\n\n")
	if len(reports) == 0 {
		sb.WriteString("No symbols verified.\n\n")
		return sb.String()
	}
	sb.WriteString("| Symbol | From | To | Records | Matched | Divergent | Status |\n")
	sb.WriteString("|--------|------|----|---------|---------|-----------|--------|\n")
	allMatch := true
	for _, r := range reports {
		status := "PASS"
		if !r.Match() {
			status = "FAIL"
			allMatch = false
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %d | %d | %s |\n",
			r.Symbol, formatMs(r.FromMs), formatMs(r.ToMs),
			r.TotalRecords, r.MatchedRecords, r.DivergentRecords, status))
	}
	sb.WriteString("\n")
	if allMatch {
		sb.WriteString("**All records match their sources.**\n\n")
	} else {
		sb.WriteString("**Some records diverge.** Run a correction for the affected source and range.\n\n")
	}

	// Skipped sources (always shown if present)
	for _, r := range reports {
		if len(r.SkippedSources) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("### Skipped Sources: %s\n\n", r.Symbol))
		names := make([]string, 0, len(r.SkippedSources))
		for name := range r.SkippedSources {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", name, r.SkippedSources[name]))
		}
		sb.WriteString("\n")
	}

	// Divergences
	for _, r := range reports {
		if r.Match() {
			continue
		}
		sb.WriteString(fmt.Sprintf("## Divergences: %s\n\n", r.Symbol))
		sb.WriteString("| Bucket | Field | Stored | Recomputed |\n")
		sb.WriteString("|--------|-------|--------|------------|\n")
		for _, res := range r.Results {
			bucket := formatMs(res.BucketMs)
			switch {
			case res.NotStored:
				sb.WriteString(fmt.Sprintf("| %s | (record) | missing | present |\n", bucket))
			case res.NotInSources:
				sb.WriteString(fmt.Sprintf("| %s | (record) | present | missing |\n", bucket))
			default:
				for _, d := range res.Divergences {
					sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
						bucket, d.Field, formatValue(d.Stored), formatValue(d.Recomputed)))
				}
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func formatValue(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%.6f", *v)
}
