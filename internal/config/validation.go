package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var cameraIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateCameraID validates a camera ID format. IDs end up in file names
// and event subjects, so they are restricted to a safe alphabet.
func ValidateCameraID(id string) error {
	if id == "" {
		return fmt.Errorf("camera ID is required")
	}

	if !cameraIDPattern.MatchString(id) {
		return fmt.Errorf("camera ID must contain only letters, numbers, underscores, and hyphens")
	}

	if len(id) > 50 {
		return fmt.Errorf("camera ID must be less than 50 characters")
	}

	return nil
}

// Validate checks the fields a worker cannot run without
func (cam CameraConfig) Validate() ValidationErrors {
	errs := make(ValidationErrors, 0)

	if err := ValidateCameraID(cam.ID); err != nil {
		errs = append(errs, ValidationError{Field: "id", Message: err.Error()})
	}

	if strings.TrimSpace(cam.Source) == "" {
		errs = append(errs, ValidationError{
			Field:   "source",
			Message: "stream source is required",
		})
	}

	if strings.TrimSpace(cam.OutputDir) == "" {
		errs = append(errs, ValidationError{
			Field:   "output_dir",
			Message: "output directory is required",
		})
	}

	if cam.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "retention_days",
			Message: "retention days must not be negative",
		})
	}

	// Rates above MaxTargetFPS are clamped by ApplyDefaults, not rejected
	if cam.TargetFPS < 0 {
		errs = append(errs, ValidationError{
			Field:   "target_fps",
			Message: "target FPS must not be negative",
		})
	}

	seen := make(map[string]bool, len(cam.RestrictedAreas))
	for i, area := range cam.RestrictedAreas {
		field := fmt.Sprintf("restricted_areas[%d]", i)

		if area.ID == "" {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "area ID is required"})
		} else if seen[area.ID] {
			errs = append(errs, ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate area ID '%s'", area.ID)})
		}
		seen[area.ID] = true

		if len(area.Points) < 3 {
			errs = append(errs, ValidationError{
				Field:   field + ".points",
				Message: "polygon must have at least 3 points",
			})
			continue
		}
		for j, p := range area.Points {
			if len(p) != 2 {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.points[%d]", field, j),
					Message: "point must be [x, y]",
				})
			}
		}
	}

	return errs
}
