// Package metric defines the measurement records accepted for buffering.
package metric

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Dimension is a name/value pair that further identifies a measurement.
type Dimension struct {
	Name  string `json:"Name" validate:"min=1,max=255,metricname"`
	Value string `json:"Value" validate:"min=1,max=255,metricname"`
}

// Datum is a single measurement. Either Value or the parallel
// Values/Counts slices carry the data.
type Datum struct {
	MetricName        string      `json:"MetricName" validate:"min=1,max=255,metricname"`
	Unit              Unit        `json:"Unit" validate:"metricunit"`
	Value             *float64    `json:"Value,omitempty"`
	Values            []float64   `json:"Values,omitempty"`
	Counts            []float64   `json:"Counts,omitempty"`
	Dimensions        []Dimension `json:"Dimensions,omitempty" validate:"max=30,dive"`
	StorageResolution *int32      `json:"StorageResolution,omitempty" validate:"omitempty,gt=0"`

	// Timestamp is zero until either the producer or the buffer sets it.
	Timestamp time.Time `json:"Timestamp,omitzero"`
}

// Input is one ingestion payload: a namespace and its measurements.
type Input struct {
	Namespace  string  `json:"Namespace" validate:"min=1,max=255,metricnamespace"`
	MetricData []Datum `json:"MetricData" validate:"min=1,max=1000,dive"`
}

// UnmarshalJSON accepts Timestamp as an RFC 3339 string or as epoch
// milliseconds.
func (d *Datum) UnmarshalJSON(data []byte) error {
	type plain Datum

	aux := struct {
		*plain
		Timestamp json.RawMessage `json:"Timestamp"`
	}{plain: (*plain)(d)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	ts, err := parseTimestamp(aux.Timestamp)
	if err != nil {
		return fmt.Errorf("MetricData.Timestamp: %w", err)
	}

	d.Timestamp = ts

	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}

		if s == "" {
			return time.Time{}, nil
		}

		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}

		return ts, nil
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", raw)
	}

	return time.UnixMilli(int64(ms)).UTC(), nil
}

// WithTimestamp returns a copy of d with Timestamp set to ts if it was unset.
func (d Datum) WithTimestamp(ts time.Time) Datum {
	if d.Timestamp.IsZero() {
		d.Timestamp = ts
	}

	return d
}
