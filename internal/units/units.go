// Package units provides shared constants and validation for distance units
package units

// Unit constants
const (
	Meters      = "m"
	Centimeters = "cm"
	Feet        = "ft"
	Inches      = "in"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Meters, Centimeters, Feet, Inches}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "m, cm, ft, in"
}

// ConvertDistance converts a distance in meters to the target units.
// Readings are stored in meters.
func ConvertDistance(meters float64, targetUnits string) float64 {
	switch targetUnits {
	case Centimeters:
		return meters * 100
	case Feet:
		return meters * 3.28084
	case Inches:
		return meters * 39.3701
	default:
		return meters
	}
}

// ToMeters is the inverse of ConvertDistance.
func ToMeters(v float64, units string) float64 {
	switch units {
	case Centimeters:
		return v / 100
	case Feet:
		return v / 3.28084
	case Inches:
		return v / 39.3701
	default:
		return v
	}
}
