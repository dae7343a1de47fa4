package config

import "fmt"

// Setup problems are the one place the daemon fails hard. Runtime sensor
// trouble degrades in place inside the control pipeline; a bad config or a
// mistyped entity ID has to reach the installer instead of being papered
// over, so these errors abort startup.

// ConfigurationError reports an invalid or missing configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// WrappedEntityError reports a wrapped climate device that cannot be
// controlled, either missing from Home Assistant or not a climate entity.
type WrappedEntityError struct {
	EntityID string
	Reason   string
}

func (e *WrappedEntityError) Error() string {
	return fmt.Sprintf("wrapped entity %s: %s", e.EntityID, e.Reason)
}

// SensorUnavailableError reports a configured sensor that does not exist
// in Home Assistant at startup.
type SensorUnavailableError struct {
	EntityID string
	Role     string
}

func (e *SensorUnavailableError) Error() string {
	return fmt.Sprintf("%s sensor %s not found in Home Assistant", e.Role, e.EntityID)
}
