package conf

import (
	"fmt"
	"time"
)

// ValidateSettings checks the loaded settings for values that would make the
// engine misbehave at runtime rather than fail at startup.
func ValidateSettings(settings *Settings) error {
	d := &settings.Detection

	if d.ConfidenceThreshold <= 0 || d.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidencethreshold must be in (0,1], got %v", d.ConfidenceThreshold)
	}
	if d.ScaleTolerance < 0 || d.ScaleTolerance >= 1 {
		return fmt.Errorf("detection.scaletolerance must be in [0,1), got %v", d.ScaleTolerance)
	}
	if d.ScaleTolerance > 0 && d.ScaleStep <= 0 {
		return fmt.Errorf("detection.scalestep must be positive when scale tolerance is set")
	}
	if d.RotationTolerance < 0 || d.RotationTolerance > 180 {
		return fmt.Errorf("detection.rotationtolerance must be in [0,180], got %v", d.RotationTolerance)
	}
	if d.RotationTolerance > 0 && d.RotationStep <= 0 {
		return fmt.Errorf("detection.rotationstep must be positive when rotation tolerance is set")
	}
	for name, v := range map[string]float64{
		"detection.correlationfloor":     d.CorrelationFloor,
		"detection.nmsiou":               d.NMSIoU,
		"detection.mergeiou":             d.MergeIoU,
		"detection.templateexclusioniou": d.TemplateExclusionIoU,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0,1], got %v", name, v)
		}
	}

	if !settings.Output.SQLite.Enabled && !settings.Output.MySQL.Enabled {
		return fmt.Errorf("no database backend enabled, enable output.sqlite or output.mysql")
	}

	if settings.Vision.Enabled && settings.Vision.Provider != "gemini" {
		return fmt.Errorf("unsupported vision provider %q", settings.Vision.Provider)
	}
	if settings.Vision.MaxSubmitEdge < 256 {
		return fmt.Errorf("vision.maxsubmitedge too small: %d", settings.Vision.MaxSubmitEdge)
	}

	for name, v := range map[string]string{
		"jobqueue.initialdelay":     settings.JobQueue.InitialDelay,
		"jobqueue.maxdelay":         settings.JobQueue.MaxDelay,
		"jobqueue.executiontimeout": settings.JobQueue.ExecutionTimeout,
		"pages.cachettl":            settings.Pages.CacheTTL,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s is not a valid duration: %w", name, err)
		}
	}
	if settings.JobQueue.MaxRetries < 0 {
		return fmt.Errorf("jobqueue.maxretries must not be negative")
	}
	if settings.JobQueue.Multiplier < 1 {
		return fmt.Errorf("jobqueue.multiplier must be >= 1, got %v", settings.JobQueue.Multiplier)
	}

	return nil
}

// MustDuration parses a duration that ValidateSettings has already vetted.
func MustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q escaped validation: %v", s, err))
	}
	return d
}
