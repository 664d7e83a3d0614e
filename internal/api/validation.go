package api

import (
	"fmt"
	"strings"
)

// ValidationError represents a validation error with field information.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// ZoneValidator validates a zone mutation payload before it reaches
// DataStore or zone.New, so malformed requests get a field-level 400
// instead of a generic ZoneInvalid error.
type ZoneValidator struct {
	errors ValidationErrors
}

// NewZoneValidator creates a new zone validator.
func NewZoneValidator() *ZoneValidator {
	return &ZoneValidator{errors: make(ValidationErrors, 0)}
}

// Validate checks a create_polygon/change_polygon payload.
func (v *ZoneValidator) Validate(req ZoneMutationRequest) ValidationErrors {
	v.errors = make(ValidationErrors, 0)

	v.validateID(req.ID)
	v.validateLaneMetadata(req.LaneNumber, req.LaneDirection)
	v.validateGeometry(req.Geometry, req.GeometryWGS84)
	v.validateSkeleton(req.Skeleton, req.SkeletonWGS84)

	return v.errors
}

func (v *ZoneValidator) validateID(id string) {
	if id == "" {
		v.errors = append(v.errors, ValidationError{Field: "id", Message: "zone id is required"})
	}
}

func (v *ZoneValidator) validateLaneMetadata(laneNumber, laneDirection string) {
	if laneNumber == "" {
		v.errors = append(v.errors, ValidationError{Field: "lane_number", Message: "lane number is required"})
	}
	if laneDirection == "" {
		v.errors = append(v.errors, ValidationError{Field: "lane_direction", Message: "lane direction is required"})
	}
}

func (v *ZoneValidator) validateGeometry(pixel, world [][2]float64) {
	if len(pixel) < 3 {
		v.errors = append(v.errors, ValidationError{
			Field:   "geometry",
			Message: "polygon must have at least three vertices",
		})
	}
	if len(pixel) != len(world) {
		v.errors = append(v.errors, ValidationError{
			Field:   "geometry_wgs84",
			Message: "geometry and geometry_wgs84 must have the same number of vertices",
		})
	}
}

func (v *ZoneValidator) validateSkeleton(pixel, world [][2]float64) {
	if len(pixel) != len(world) {
		v.errors = append(v.errors, ValidationError{
			Field:   "skeleton_wgs84",
			Message: "skeleton and skeleton_wgs84 must have the same number of vertices",
		})
	}
}

// ValidateZoneID validates a zone id path/body parameter.
func ValidateZoneID(id string) error {
	if id == "" {
		return fmt.Errorf("zone id is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("zone id must be at most 100 characters")
	}
	return nil
}
