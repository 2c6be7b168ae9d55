// Package reporting renders materialized records and verification results
// for operators.
package reporting

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"feature-materializer/internal/domain"
)

// RenderRecordsCSV renders feature records as CSV, one row per bucket.
// Columns follow the field catalog; null columns are empty.
func RenderRecordsCSV(records []*domain.FeatureRecord) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	// Header
	header := []string{"symbol", "bucket", "bucket_ms"}
	for _, f := range domain.Fields {
		header = append(header, f.Name)
	}
	for _, src := range domain.AllSources {
		header = append(header, "completeness_"+src.String())
	}
	header = append(header, "last_updated_ms")
	// Writes into a strings.Builder cannot fail
	_ = w.Write(header)

	// Rows
	for _, r := range records {
		row := make([]string, 0, len(header))
		row = append(row,
			r.Symbol,
			time.UnixMilli(r.BucketMs).UTC().Format(time.RFC3339),
			strconv.FormatInt(r.BucketMs, 10),
		)
		for _, f := range domain.Fields {
			if v := r.Get(f.Name); v != nil {
				row = append(row, strconv.FormatFloat(*v, 'f', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		for _, src := range domain.AllSources {
			row = append(row, fmt.Sprintf("%.4f", r.Completeness[src]))
		}
		row = append(row, strconv.FormatInt(r.LastUpdatedMs, 10))
		_ = w.Write(row)
	}

	w.Flush()
	return sb.String()
}
