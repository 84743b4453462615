package models

import "time"

// Location represents a geographical point
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationSample is a single device position fix, immutable once captured
type LocationSample struct {
	Latitude         float64           `json:"latitude"`
	Longitude        float64           `json:"longitude"`
	Accuracy         float64           `json:"accuracy"`
	Bearing          float64           `json:"bearing"`
	Speed            float64           `json:"speed"`
	CapturedAtMillis int64             `json:"captured_at_millis"`
	DeviceMetadata   map[string]string `json:"device_metadata,omitempty"`
}

// Point returns the sample's coordinates as a Location
func (s LocationSample) Point() Location {
	return Location{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Timestamp: time.UnixMilli(s.CapturedAtMillis).UTC(),
	}
}
