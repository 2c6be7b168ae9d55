package reporting

import (
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/verification"
)

func ptrFloat64(v float64) *float64 {
	return &v
}

func TestRenderRecordsCSV(t *testing.T) {
	bucket := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	rec := domain.NewFeatureRecord("BTC", bucket)
	rec.Set("close", 101.5)
	rec.Set("vix", 14)
	rec.RecomputeCompleteness()
	rec.LastUpdatedMs = 42

	lines, err := csv.NewReader(strings.NewReader(RenderRecordsCSV([]*domain.FeatureRecord{rec}))).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("Expected header and 1 row, got %d lines", len(lines))
	}

	header, row := lines[0], lines[1]
	col := func(name string) string {
		for i, h := range header {
			if h == name {
				return row[i]
			}
		}
		t.Fatalf("column %s not found", name)
		return ""
	}

	if got := col("bucket"); got != "2024-01-02T00:00:00Z" {
		t.Errorf("bucket = %q", got)
	}
	if got := col("close"); got != "101.5" {
		t.Errorf("close = %q, want 101.5", got)
	}
	if got := col("open"); got != "" {
		t.Errorf("null open should render empty, got %q", got)
	}
	if got := col("vix"); got != "14" {
		t.Errorf("vix = %q, want 14", got)
	}
	if got := col("last_updated_ms"); got != "42" {
		t.Errorf("last_updated_ms = %q", got)
	}
}

func TestRenderRecordsCSV_QuotesSymbol(t *testing.T) {
	rec := domain.NewFeatureRecord(`BRK,"B"`, 0)
	rec.Set("close", 1)

	out := RenderRecordsCSV([]*domain.FeatureRecord{rec})
	if !strings.Contains(out, "\n\"BRK,\"\"B\"\"\",") {
		t.Errorf("symbol not quoted: %q", out)
	}

	lines, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(lines[1]) != len(lines[0]) {
		t.Fatalf("header has %d columns, row has %d", len(lines[0]), len(lines[1]))
	}
	if lines[1][0] != `BRK,"B"` {
		t.Errorf("symbol = %q", lines[1][0])
	}
}

func TestRenderRecordsCSV_Empty(t *testing.T) {
	out := RenderRecordsCSV(nil)
	if strings.Count(out, "\n") != 1 || !strings.HasPrefix(out, "symbol,bucket,bucket_ms,") {
		t.Errorf("Expected header only, got %q", out)
	}
}

func TestRenderVerificationMarkdown(t *testing.T) {
	day := func(n int) int64 {
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n).UnixMilli()
	}
	reports := []*verification.Report{
		{Symbol: "BTC", FromMs: day(0), ToMs: day(5), TotalRecords: 5, MatchedRecords: 5},
		{
			Symbol: "ETH", FromMs: day(0), ToMs: day(5), TotalRecords: 3, MatchedRecords: 1, DivergentRecords: 2,
			SkippedSources: map[string]string{"macro": "source unavailable"},
			Results: []verification.RecordResult{
				{BucketMs: day(1), Divergences: []verification.FieldDivergence{
					{Field: "close", Stored: ptrFloat64(10), Recomputed: ptrFloat64(11)},
				}},
				{BucketMs: day(2), NotStored: true},
			},
		},
	}

	md := RenderVerificationMarkdown(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), reports)

	for _, want := range []string{
		"# Verification Report",
		"Generated: 2024-02-01T00:00:00Z",
		"| BTC | 2024-01-01T00:00:00Z | 2024-01-06T00:00:00Z | 5 | 5 | 0 | PASS |",
		"| ETH |",
		"FAIL",
		"**Some records diverge.**",
		"- macro: source unavailable",
		"## Divergences: ETH",
		"| 2024-01-02T00:00:00Z | close | 10.000000 | 11.000000 |",
		"| 2024-01-03T00:00:00Z | (record) | missing | present |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
	if strings.Contains(md, "## Divergences: BTC") {
		t.Error("matching symbol should have no divergence section")
	}
}

func TestRenderVerificationMarkdown_NoReports(t *testing.T) {
	md := RenderVerificationMarkdown(time.Now(), nil)
	if !strings.Contains(md, "No symbols verified.") {
		t.Errorf("unexpected markdown: %s", md)
	}
}
