package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"spacewatch/internal/model"
)

var ErrBadPayload = errors.New("ingest: malformed payload")

type telemetryPayload struct {
	TS          any      `json:"ts"`
	TempC       *float64 `json:"temp_c"`
	HumidityPct *float64 `json:"humidity_pct"`
	CO2PPM      *float64 `json:"co2_ppm"`
	Occupancy   *float64 `json:"occupancy"`
	PowerW      *float64 `json:"power_w"`
}

type reportedPayload struct {
	TS                  any    `json:"ts"`
	SamplingIntervalSec *int   `json:"samplingIntervalSec"`
	CO2AlertThreshold   *int   `json:"co2_alert_threshold"`
	FirmwareVersion     string `json:"firmwareVersion"`
}

// DecodeTelemetry builds a sample from a telemetry payload. co2_ppm and
// occupancy are required since the alert rules read them; the remaining
// measurements default to zero.
func DecodeTelemetry(route Route, data []byte) (model.TelemetrySample, error) {
	var p telemetryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.TelemetrySample{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.CO2PPM == nil || p.Occupancy == nil {
		return model.TelemetrySample{}, fmt.Errorf("%w: co2_ppm and occupancy are required", ErrBadPayload)
	}
	ts, err := timestampFromJSON(p.TS)
	if err != nil {
		return model.TelemetrySample{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	s := model.TelemetrySample{
		SpaceID:     route.SpaceID,
		LocationID:  route.LocationID,
		Timestamp:   ts,
		TempC:       valueOr(p.TempC),
		HumidityPct: valueOr(p.HumidityPct),
		CO2PPM:      *p.CO2PPM,
		Occupancy:   *p.Occupancy,
		PowerW:      valueOr(p.PowerW),
	}
	if s.CO2PPM < 0 || s.Occupancy < 0 {
		return model.TelemetrySample{}, fmt.Errorf("%w: negative measurement", ErrBadPayload)
	}
	for _, v := range []float64{s.TempC, s.HumidityPct, s.CO2PPM, s.Occupancy, s.PowerW} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.TelemetrySample{}, fmt.Errorf("%w: non-finite measurement", ErrBadPayload)
		}
	}
	return s, nil
}

func DecodeReported(route Route, data []byte) (model.ReportedState, error) {
	var p reportedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.ReportedState{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.SamplingIntervalSec == nil || p.CO2AlertThreshold == nil {
		return model.ReportedState{}, fmt.Errorf("%w: samplingIntervalSec and co2_alert_threshold are required", ErrBadPayload)
	}
	ts, err := timestampFromJSON(p.TS)
	if err != nil {
		return model.ReportedState{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return model.ReportedState{
		SpaceID:             route.SpaceID,
		CO2AlertThreshold:   *p.CO2AlertThreshold,
		SamplingIntervalSec: *p.SamplingIntervalSec,
		FirmwareVersion:     p.FirmwareVersion,
		ReportedAt:          ts,
	}, nil
}

func valueOr(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Message is a decoded inbound message ready for a worker.
type Message struct {
	Route    Route
	Source   string
	Sample   model.TelemetrySample
	Reported model.ReportedState
	Received time.Time
}
