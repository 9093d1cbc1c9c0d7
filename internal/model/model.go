// Package model holds the core domain types of spec.md §3: the documents
// the worker reads, mutates, and writes back to the store.
package model

// Measurement is a uniquely identified series within a data type.
// end == nil marks the record active (spec.md §3).
type Measurement struct {
	DataType    string         `bson:"-"`
	Identifier  string         `bson:"identifier"`
	Start       int64          `bson:"start"`
	End         *int64         `bson:"end"`
	LastUpdated int64          `bson:"last_updated"`
	Meta        map[string]any `bson:"meta"`
}

// ValueTypeDescriptor describes one value-type advertised by a data type's
// metadata document.
type ValueTypeDescriptor struct {
	Description string `bson:"description"`
	Units       string `bson:"units"`
}

// MetaFieldDescriptor describes one declared metadata field of a data type.
type MetaFieldDescriptor struct {
	Required bool `bson:"required"`
}

// DataPoint is a single point-in-time sample within a bucket (spec.md §3).
type DataPoint struct {
	Time      int64    `bson:"time"`
	Interval  int64    `bson:"interval"`
	ValueType string   `bson:"value_type"`
	Value     *float64 `bson:"value"`
}

// DataDocument is a fixed-width time bucket for one measurement (spec.md §3).
// Duration = Interval * HIGH_RESOLUTION_DOCUMENT_SIZE.
type DataDocument struct {
	ID                    any             `bson:"_id,omitempty"`
	DataType              string          `bson:"-"`
	MeasurementIdentifier string          `bson:"identifier"`
	Interval              int64           `bson:"interval"`
	Start                 int64           `bson:"start"`
	End                   int64           `bson:"end"`
	ValueTypes            map[string]bool `bson:"value_types"`
	DataPoints            []DataPoint     `bson:"data_points"`
}

// Event is a single event within an event bucket. Identity within a bucket
// is (Start, Identifier); later writes replace earlier ones (spec.md §3).
type Event struct {
	Start      int64  `bson:"start"`
	End        int64  `bson:"end"`
	Identifier string `bson:"identifier"`
	Affected   any    `bson:"affected"`
	Text       string `bson:"text"`
	Type       string `bson:"type"`
}

// EventDocument is a fixed-width time bucket of events for one data type
// (spec.md §3). Duration is the constant EventDocumentDuration.
type EventDocument struct {
	ID       any     `bson:"_id,omitempty"`
	DataType string  `bson:"-"`
	Type     string  `bson:"type"`
	Start    int64   `bson:"start"`
	End      int64   `bson:"end"`
	Events   []Event `bson:"events"`
}
