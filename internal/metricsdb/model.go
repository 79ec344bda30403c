package metricsdb

// Sample is one time-series metric observation.
type Sample struct {
	ID               uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	Series           string  `gorm:"column:series;size:190;not null;index:idx_series_ts,priority:1"`
	ObjectID         string  `gorm:"column:object_id;size:190;index"`
	TimestampSeconds int64   `gorm:"column:timestamp_s;not null;index:idx_series_ts,priority:2"`
	Value            float64 `gorm:"column:value;not null"`
	LabelsJSON       string  `gorm:"column:labels_json"`
}

// TableName exposes the table backing metric samples.
func (Sample) TableName() string {
	return "metric_samples"
}
