package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration error with an actionable fix.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // What the operator should change
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors.
const (
	ErrCodeMissingConfig = "MISSING_CONFIG"
	ErrCodeInvalidValue  = "INVALID_VALUE"
	ErrCodeInvalidURL    = "INVALID_URL"
	ErrCodeMissingAuth   = "MISSING_AUTH"
	ErrCodeEnvLoad       = "ENV_LOAD_FAILED"
)

// ErrMissingConfig reports a required variable that is unset.
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in the environment or your .env file", varName),
	}
}

// ErrInvalidValue reports a variable whose value is outside its allowed set.
func ErrInvalidValue(varName, value string, allowed ...string) *ConfigError {
	action := fmt.Sprintf("Check the value of %s", varName)
	if len(allowed) > 0 {
		action = fmt.Sprintf("Set %s to one of %v", varName, allowed)
	}
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s %q", varName, value),
		Action:  action,
	}
}

// ErrInvalidURL reports an unparseable or non-HTTP URL.
func ErrInvalidURL(varName, value, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidURL,
		Message: fmt.Sprintf("Invalid %s '%s': %s", varName, value, reason),
		Action:  fmt.Sprintf("Set %s to an absolute http(s) URL", varName),
	}
}

// ErrMissingAuth reports a backend selected without its credentials.
func ErrMissingAuth(backend, varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingAuth,
		Message: fmt.Sprintf("Missing credentials for the %s backend", backend),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// IsConfigError unwraps err to a *ConfigError when possible.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode returns the ConfigError code of err, or "".
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}
