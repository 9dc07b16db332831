package types

import (
	"fmt"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	DryRun bool `json:"dryRun"`
	// Pause planning and actuation
	Pause bool `json:"pause"`

	// Battery
	BatteryCapacityKWH float64 `json:"batteryCapacityKWH"`
	// TargetSOC is the maximum SOC charging plans aim for (0-100).
	TargetSOC float64 `json:"targetSOC"`
	// SafetySOC is the floor; dropping below it forces an immediate charge.
	SafetySOC       float64 `json:"safetySOC"`
	MaxChargePowerW float64 `json:"maxChargePowerW"`
	// ChargeDurationPer10PctMinutes is how long the battery takes to gain
	// 10 SOC points at full charge power. Used for backward window timing.
	ChargeDurationPer10PctMinutes int `json:"chargeDurationPer10PctMinutes"`

	// Price trend thresholds, as fractions (0.08 = 8%)
	Threshold1H float64 `json:"threshold1H"`
	Threshold3H float64 `json:"threshold3H"`

	// Consumption learning
	// LearningDays is the retention window for learned samples (7-90).
	LearningDays int `json:"learningDays"`
	// HourlyFallbackKWH is used for hours with no learned data.
	HourlyFallbackKWH float64 `json:"hourlyFallbackKWH"`
	// DailyAverageKWH/24 is the second fallback when no hourly fallback is set.
	DailyAverageKWH float64 `json:"dailyAverageKWH"`
	// MinLearnHoursPerDay is the minimum populated hours for an imported day
	// to be accepted.
	MinLearnHoursPerDay int `json:"minLearnHoursPerDay"`
	// PowerEnergyThreshold distinguishes watt readings from kWh readings on
	// import; raw values above it are treated as watts and divided by 1000.
	PowerEnergyThreshold float64 `json:"powerEnergyThreshold"`

	// Devices
	MaxDeviceTasks int `json:"maxDeviceTasks"`
}

// Validate returns an error describing the first invalid setting. The
// process refuses to start with invalid settings; there is no fallback for
// misconfiguration.
func (s Settings) Validate() error {
	if s.BatteryCapacityKWH <= 0 {
		return fmt.Errorf("batteryCapacityKWH must be positive, got %v", s.BatteryCapacityKWH)
	}
	if s.TargetSOC <= 0 || s.TargetSOC > 100 {
		return fmt.Errorf("targetSOC must be in (0, 100], got %v", s.TargetSOC)
	}
	if s.SafetySOC < 0 || s.SafetySOC >= s.TargetSOC {
		return fmt.Errorf("safetySOC must be in [0, targetSOC), got %v", s.SafetySOC)
	}
	if s.MaxChargePowerW <= 0 {
		return fmt.Errorf("maxChargePowerW must be positive, got %v", s.MaxChargePowerW)
	}
	if s.ChargeDurationPer10PctMinutes <= 0 {
		return fmt.Errorf("chargeDurationPer10PctMinutes must be positive, got %v", s.ChargeDurationPer10PctMinutes)
	}
	if s.Threshold1H < 0 || s.Threshold3H < 0 {
		return fmt.Errorf("trend thresholds must be non-negative, got %v and %v", s.Threshold1H, s.Threshold3H)
	}
	if s.LearningDays < 7 || s.LearningDays > 90 {
		return fmt.Errorf("learningDays must be in [7, 90], got %d", s.LearningDays)
	}
	if s.HourlyFallbackKWH < 0 || s.DailyAverageKWH < 0 {
		return fmt.Errorf("consumption fallbacks must be non-negative")
	}
	return nil
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial battery and trend defaults
			if s.BatteryCapacityKWH == 0 {
				s.BatteryCapacityKWH = 10.6
				migrated = true
			}
			if s.TargetSOC == 0 {
				s.TargetSOC = 95
				migrated = true
			}
			if s.SafetySOC == 0 {
				s.SafetySOC = 20
				migrated = true
			}
			if s.MaxChargePowerW == 0 {
				s.MaxChargePowerW = 3900
				migrated = true
			}
			if s.ChargeDurationPer10PctMinutes == 0 {
				s.ChargeDurationPer10PctMinutes = 18
				migrated = true
			}
			if s.Threshold1H == 0 {
				s.Threshold1H = 0.08
				migrated = true
			}
			if s.Threshold3H == 0 {
				s.Threshold3H = 0.08
				migrated = true
			}
		case 2:
			// version 2: consumption learning defaults
			if s.LearningDays == 0 {
				s.LearningDays = 28
				migrated = true
			}
			if s.HourlyFallbackKWH == 0 {
				s.HourlyFallbackKWH = 1.0
				migrated = true
			}
			if s.MinLearnHoursPerDay == 0 {
				s.MinLearnHoursPerDay = 3
				migrated = true
			}
			if s.PowerEnergyThreshold == 0 {
				s.PowerEnergyThreshold = 100
				migrated = true
			}
		case 3:
			// version 3: device task limit
			if s.MaxDeviceTasks == 0 {
				s.MaxDeviceTasks = 8
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
