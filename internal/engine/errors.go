package engine

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrRunInProgress is returned when another run of the same plan against
// the same connector is active. No run is created.
var ErrRunInProgress = errors.New("run in progress")

// ConfigurationError reports definitions that cannot be executed. It is
// detected before any record is touched; the run stays Pending.
type ConfigurationError struct {
	// Code identifies the error category.
	Code ConfigErrorCode

	// Message is a human-readable description.
	Message string

	// Plan is the plan being started.
	Plan string

	// Mapping identifies the offending mapping, if any.
	Mapping string

	// Details lists the individual validation problems.
	Details []string
}

// ConfigErrorCode categorizes configuration errors (E200-E299).
type ConfigErrorCode string

const (
	ErrCodeUnknownPlan      ConfigErrorCode = "E201" // plan not defined
	ErrCodeUnknownConnector ConfigErrorCode = "E202" // connector not defined
	ErrCodeConnectorType    ConfigErrorCode = "E203" // no factory for the connector type
	ErrCodeInvalidPlan      ConfigErrorCode = "E204" // plan fails validation
	ErrCodeInvalidMapping   ConfigErrorCode = "E205" // mapping fails validation
	ErrCodeInvalidConnector ConfigErrorCode = "E206" // connector config fails validation
)

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Mapping != "" {
		fmt.Fprintf(&b, " (plan=%s, mapping=%s)", e.Plan, e.Mapping)
	} else if e.Plan != "" {
		fmt.Fprintf(&b, " (plan=%s)", e.Plan)
	}
	if len(e.Details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Details, "; "))
	}
	return b.String()
}

// IsConfigurationError returns true if err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// PageLimitError is returned when a pull keeps returning pages past the
// configured limit. It aborts the run.
type PageLimitError struct {
	Mapping string
	Pages   int
	Limit   int
}

// Error implements the error interface.
func (e *PageLimitError) Error() string {
	return fmt.Sprintf("mapping %s exceeded page limit: %d pages > %d limit", e.Mapping, e.Pages, e.Limit)
}
