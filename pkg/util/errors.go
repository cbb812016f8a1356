// Package util provides logging, normalization helpers and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for engine precondition failures
var (
	ErrInvalidID        = errors.New("invalid id")
	ErrNonDeletable     = errors.New("resource is not deletable")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrRawConfigInvalid = errors.New("invalid raw config")
	ErrNotLoaded        = errors.New("plugin not loaded")
	ErrNotInstalled     = errors.New("plugin not installed")
	ErrBusy             = errors.New("operation already in progress")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrSyncUnsupported  = errors.New("synchronize not supported")
	ErrSyncFailed       = errors.New("synchronize failed")
)

// InvalidIDError reports an id that refers to no document.
type InvalidIDError struct {
	Kind string
	ID   string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid %s id: %q", e.Kind, e.ID)
}

func (e *InvalidIDError) Unwrap() error {
	return ErrInvalidID
}

// NewInvalidIDError creates an invalid-id error for a document kind
func NewInvalidIDError(kind, id string) *InvalidIDError {
	return &InvalidIDError{Kind: kind, ID: id}
}

// InvalidParameterError reports a malformed value for a named parameter
type InvalidParameterError struct {
	Param  string
	Value  interface{}
	Reason string
}

func (e *InvalidParameterError) Error() string {
	msg := fmt.Sprintf("invalid value %v for parameter %q", e.Value, e.Param)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidParameterError) Unwrap() error {
	return ErrInvalidParameter
}

// NewInvalidParameterError creates an invalid-parameter error
func NewInvalidParameterError(param string, value interface{}, reason string) *InvalidParameterError {
	return &InvalidParameterError{Param: param, Value: value, Reason: reason}
}

// RawConfigError represents one or more raw-config validation failures.
// It never crosses the engine boundary; the device is left unconfigured.
type RawConfigError struct {
	Errors []string
}

func (e *RawConfigError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid raw config: " + e.Errors[0]
	}
	return fmt.Sprintf("invalid raw config:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *RawConfigError) Unwrap() error {
	return ErrRawConfigInvalid
}

// ValidationBuilder helps accumulate raw-config validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the accumulated error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &RawConfigError{Errors: v.errors}
}

// TenantError represents a tenancy-policy failure for a device operation
type TenantError struct {
	DeviceID string
	Tenant   string
	Reason   string
}

func (e *TenantError) Error() string {
	return fmt.Sprintf("tenant %q not valid for device %q: %s", e.Tenant, e.DeviceID, e.Reason)
}

func (e *TenantError) Unwrap() error {
	return ErrUnauthorized
}

// NewTenantError creates a tenancy-policy error
func NewTenantError(deviceID, tenant, reason string) *TenantError {
	return &TenantError{DeviceID: deviceID, Tenant: tenant, Reason: reason}
}
