package engine

import (
	"time"

	"spacewatch/internal/config"
	"spacewatch/internal/model"
)

// Rule pairs a trigger and a resolve predicate for one alert kind. The two
// predicates are not required to be negations of each other.
type Rule struct {
	Kind          model.AlertKind
	OpenWindow    time.Duration
	ResolveWindow time.Duration
	IsTriggering  func(s model.TelemetrySample, desired *model.DesiredConfig) bool
	IsResolved    func(s model.TelemetrySample, desired *model.DesiredConfig) bool
	BuildMeta     func(s model.TelemetrySample, desired *model.DesiredConfig) map[string]any
}

func BuildRules(cfg config.AlertsConfig) []Rule {
	defaultThreshold := cfg.DefaultCO2Threshold
	if defaultThreshold <= 0 {
		defaultThreshold = 1000
	}
	threshold := func(desired *model.DesiredConfig) float64 {
		if desired != nil && desired.CO2AlertThreshold > 0 {
			return float64(desired.CO2AlertThreshold)
		}
		return float64(defaultThreshold)
	}
	windows := cfg.Rules
	return []Rule{
		{
			Kind:          model.AlertKindCO2,
			OpenWindow:    windows.CO2.OpenWindow,
			ResolveWindow: windows.CO2.ResolveWindow,
			IsTriggering: func(s model.TelemetrySample, d *model.DesiredConfig) bool {
				return s.CO2PPM > threshold(d)
			},
			IsResolved: func(s model.TelemetrySample, d *model.DesiredConfig) bool {
				return s.CO2PPM <= threshold(d)
			},
			BuildMeta: func(s model.TelemetrySample, d *model.DesiredConfig) map[string]any {
				return map[string]any{"co2_ppm": s.CO2PPM, "threshold": threshold(d)}
			},
		},
		{
			Kind:          model.AlertKindOccupancyMax,
			OpenWindow:    windows.OccupancyMax.OpenWindow,
			ResolveWindow: windows.OccupancyMax.ResolveWindow,
			IsTriggering: func(s model.TelemetrySample, _ *model.DesiredConfig) bool {
				return s.Occupancy >= 1.0
			},
			IsResolved: func(s model.TelemetrySample, _ *model.DesiredConfig) bool {
				return s.Occupancy < 1.0
			},
			BuildMeta: func(s model.TelemetrySample, _ *model.DesiredConfig) map[string]any {
				return map[string]any{"occupancy": s.Occupancy}
			},
		},
		{
			Kind:          model.AlertKindOccupancyUnexpected,
			OpenWindow:    windows.OccupancyUnexpected.OpenWindow,
			ResolveWindow: windows.OccupancyUnexpected.ResolveWindow,
			IsTriggering: func(s model.TelemetrySample, _ *model.DesiredConfig) bool {
				return s.OutOfScheduledHours && s.Occupancy > 0
			},
			// resolves on an empty room regardless of the schedule flag
			IsResolved: func(s model.TelemetrySample, _ *model.DesiredConfig) bool {
				return s.Occupancy == 0
			},
			BuildMeta: func(s model.TelemetrySample, _ *model.DesiredConfig) map[string]any {
				return map[string]any{"occupancy": s.Occupancy, "out_of_hours": s.OutOfScheduledHours}
			},
		},
	}
}
