package domain

// Field describes one nullable numeric column of a FeatureRecord.
type Field struct {
	Name    string // column name, also the key in FeatureRecord.Values
	Source  Source // origin that owns the field
	Derived bool   // computed by the engine rather than read from the source
}

// Price fields. Band fields are derived from the rolling window of close prices.
const (
	FieldOpen    = "open"
	FieldHigh    = "high"
	FieldLow     = "low"
	FieldClose   = "close"
	FieldVolume  = "volume"
	FieldSMA     = "sma_20"
	FieldStdDev  = "stddev_20"
	FieldBBUpper = "bb_upper"
	FieldBBLower = "bb_lower"
)

// Fields is the catalog of materialized columns, grouped by origin.
// Order is stable and defines column order in SQL statements.
var Fields = []Field{
	{Name: FieldOpen, Source: SourcePrice},
	{Name: FieldHigh, Source: SourcePrice},
	{Name: FieldLow, Source: SourcePrice},
	{Name: FieldClose, Source: SourcePrice},
	{Name: FieldVolume, Source: SourcePrice},
	{Name: FieldSMA, Source: SourcePrice, Derived: true},
	{Name: FieldStdDev, Source: SourcePrice, Derived: true},
	{Name: FieldBBUpper, Source: SourcePrice, Derived: true},
	{Name: FieldBBLower, Source: SourcePrice, Derived: true},

	{Name: "rsi_14", Source: SourceTechnical},
	{Name: "macd", Source: SourceTechnical},
	{Name: "macd_signal", Source: SourceTechnical},
	{Name: "macd_hist", Source: SourceTechnical},
	{Name: "ema_12", Source: SourceTechnical},
	{Name: "ema_26", Source: SourceTechnical},
	{Name: "atr_14", Source: SourceTechnical},

	{Name: "dxy", Source: SourceMacro},
	{Name: "vix", Source: SourceMacro},
	{Name: "sp500", Source: SourceMacro},
	{Name: "gold", Source: SourceMacro},
	{Name: "us10y", Source: SourceMacro},
	{Name: "fed_funds_rate", Source: SourceMacro},

	{Name: "active_addresses", Source: SourceOnchain},
	{Name: "tx_count", Source: SourceOnchain},
	{Name: "exchange_netflow", Source: SourceOnchain},
	{Name: "hash_rate", Source: SourceOnchain},
	{Name: "nvt_ratio", Source: SourceOnchain},

	{Name: "fear_greed", Source: SourceSentiment},
	{Name: "social_volume", Source: SourceSentiment},
	{Name: "news_sentiment", Source: SourceSentiment},
	{Name: "sentiment_score", Source: SourceSentiment},
}

var fieldIndex = func() map[string]Field {
	m := make(map[string]Field, len(Fields))
	for _, f := range Fields {
		m[f.Name] = f
	}
	return m
}()

// LookupField returns the catalog entry for a column name.
func LookupField(name string) (Field, bool) {
	f, ok := fieldIndex[name]
	return f, ok
}

// FieldsFor returns the catalog entries owned by a source.
func FieldsFor(src Source) []Field {
	var out []Field
	for _, f := range Fields {
		if f.Source == src {
			out = append(out, f)
		}
	}
	return out
}

// SourceColumns returns the non-derived column names a source store provides.
func SourceColumns(src Source) []string {
	var out []string
	for _, f := range Fields {
		if f.Source == src && !f.Derived {
			out = append(out, f.Name)
		}
	}
	return out
}
