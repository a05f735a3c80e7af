package model

import "time"

type AlertKind string

const (
	AlertKindCO2                 AlertKind = "CO2"
	AlertKindOccupancyMax        AlertKind = "OCCUPANCY_MAX"
	AlertKindOccupancyUnexpected AlertKind = "OCCUPANCY_UNEXPECTED"
)

func (k AlertKind) Valid() bool {
	switch k {
	case AlertKindCO2, AlertKindOccupancyMax, AlertKindOccupancyUnexpected:
		return true
	}
	return false
}

// TelemetrySample is one decoded reading for a space, enriched with the
// schedule flag before it reaches the engine.
type TelemetrySample struct {
	SpaceID             string    `json:"space_id"`
	LocationID          string    `json:"location_id,omitempty"`
	Timestamp           time.Time `json:"ts"`
	TempC               float64   `json:"temp_c"`
	HumidityPct         float64   `json:"humidity_pct"`
	CO2PPM              float64   `json:"co2_ppm"`
	Occupancy           float64   `json:"occupancy"`
	PowerW              float64   `json:"power_w"`
	OutOfScheduledHours bool      `json:"out_of_scheduled_hours"`
	Source              string    `json:"source,omitempty"`
}

type Alert struct {
	ID         string         `json:"id"`
	SpaceID    string         `json:"space_id"`
	Kind       AlertKind      `json:"kind"`
	StartedAt  time.Time      `json:"started_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func (a Alert) Open() bool {
	return a.ResolvedAt == nil
}

type AlertFilter struct {
	ActiveOnly bool
	Kind       AlertKind
	Limit      int
}

const (
	AlertEventOpened   = "opened"
	AlertEventResolved = "resolved"
)

type AlertEvent struct {
	Type  string `json:"type"`
	Alert Alert  `json:"alert"`
}

type DesiredConfig struct {
	SpaceID             string    `json:"space_id"`
	CO2AlertThreshold   int       `json:"co2AlertThreshold"`
	SamplingIntervalSec int       `json:"samplingIntervalSec"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type DesiredPatch struct {
	CO2AlertThreshold   *int `json:"co2_alert_threshold,omitempty"`
	SamplingIntervalSec *int `json:"samplingIntervalSec,omitempty"`
}

type ReportedState struct {
	SpaceID             string    `json:"space_id"`
	CO2AlertThreshold   int       `json:"co2AlertThreshold"`
	SamplingIntervalSec int       `json:"samplingIntervalSec"`
	FirmwareVersion     string    `json:"firmwareVersion,omitempty"`
	ReportedAt          time.Time `json:"reported_at"`
}

type TwinState struct {
	Desired  *DesiredConfig `json:"desired"`
	Reported *ReportedState `json:"reported"`
}

type OfficeHours struct {
	SpaceID   string `json:"space_id"`
	OpenTime  string `json:"openTime"`
	CloseTime string `json:"closeTime"`
	TimeZone  string `json:"timeZone"`
	WorkDays  []int  `json:"workDays"`
}

type TelemetryWindow struct {
	SpaceID        string    `json:"space_id"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	TempCAvg       float64   `json:"temp_c_avg"`
	TempCMin       float64   `json:"temp_c_min"`
	TempCMax       float64   `json:"temp_c_max"`
	HumidityPctAvg float64   `json:"humidity_pct_avg"`
	HumidityPctMin float64   `json:"humidity_pct_min"`
	HumidityPctMax float64   `json:"humidity_pct_max"`
	CO2PPMAvg      float64   `json:"co2_ppm_avg"`
	CO2PPMMin      float64   `json:"co2_ppm_min"`
	CO2PPMMax      float64   `json:"co2_ppm_max"`
	OccupancyAvg   float64   `json:"occupancy_avg"`
	OccupancyMin   float64   `json:"occupancy_min"`
	OccupancyMax   float64   `json:"occupancy_max"`
	PowerWAvg      float64   `json:"power_w_avg"`
	PowerWMin      float64   `json:"power_w_min"`
	PowerWMax      float64   `json:"power_w_max"`
	SampleCount    int       `json:"sample_count"`
}
