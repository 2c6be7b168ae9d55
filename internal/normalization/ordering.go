package normalization

import (
	"sort"

	"feature-materializer/internal/domain"
)

// SortRows orders rows by (timestamp_ms ASC, source rank ASC, symbol ASC).
// The sort is stable so rows with equal keys keep their fetch order.
func SortRows(rows []*domain.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return compareRows(rows[i], rows[j]) < 0
	})
}

// compareRows returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
func compareRows(a, b *domain.Row) int {
	if a.TimestampMs != b.TimestampMs {
		if a.TimestampMs < b.TimestampMs {
			return -1
		}
		return 1
	}
	if ra, rb := a.Source.Rank(), b.Source.Rank(); ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if a.Symbol != b.Symbol {
		if a.Symbol < b.Symbol {
			return -1
		}
		return 1
	}
	return 0
}
