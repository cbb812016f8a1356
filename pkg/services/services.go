// Package services defines the configure-service surface: named
// runtime parameters with localized descriptions, a table-driven
// implementation, persistence across restarts, and composition of
// per-subsystem services.
package services

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wazo-pbx/xivo-provisioning/pkg/localization"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// Parameter describes one configure-service parameter.
type Parameter struct {
	Name          string
	Description   string
	DescriptionFr string
}

// LocalizedDescription returns the French description when the process
// locale is French and a translation exists.
func (p Parameter) LocalizedDescription() string {
	if localization.IsFrench() && p.DescriptionFr != "" {
		return p.DescriptionFr
	}
	return p.Description
}

// ConfigureService exposes named runtime parameters. Get and Set fail
// with an unknown-parameter error for names outside the service's
// table and with an invalid-parameter error for rejected values.
type ConfigureService interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Parameters() []Parameter
}

// ParamSpec declares one parameter of a table-driven configure
// service.
type ParamSpec struct {
	Name          string
	Description   string
	DescriptionFr string
	// Default seeds the parameter value.
	Default string
	// Validate rejects bad values before they are applied. nil accepts
	// everything.
	Validate func(value string) error
	// OnSet applies an accepted value to the owning subsystem. The
	// value is stored only if OnSet succeeds. nil stores directly.
	OnSet func(value string) error
}

// TableConfigureService dispatches Get and Set over a fixed parameter
// table.
type TableConfigureService struct {
	specs []ParamSpec

	mu     sync.Mutex
	values map[string]string
}

// NewTableConfigureService creates a service over the given parameter
// table, seeded with the declared defaults. Defaults do not run the
// OnSet hooks.
func NewTableConfigureService(specs []ParamSpec) *TableConfigureService {
	values := make(map[string]string, len(specs))
	for _, spec := range specs {
		if spec.Default != "" {
			values[spec.Name] = spec.Default
		}
	}
	return &TableConfigureService{specs: specs, values: values}
}

func (s *TableConfigureService) spec(name string) (ParamSpec, bool) {
	for _, spec := range s.specs {
		if spec.Name == name {
			return spec, true
		}
	}
	return ParamSpec{}, false
}

// Get returns the current value of the parameter.
func (s *TableConfigureService) Get(name string) (string, error) {
	if _, ok := s.spec(name); !ok {
		return "", fmt.Errorf("%q: %w", name, util.ErrUnknownParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name], nil
}

// Set validates the value, applies it through the parameter's OnSet
// hook and stores it.
func (s *TableConfigureService) Set(name, value string) error {
	spec, ok := s.spec(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, util.ErrUnknownParameter)
	}
	if spec.Validate != nil {
		if err := spec.Validate(value); err != nil {
			if errors.Is(err, util.ErrInvalidParameter) {
				return err
			}
			return util.NewInvalidParameterError(name, value, err.Error())
		}
	}
	if spec.OnSet != nil {
		if err := spec.OnSet(value); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}

// Parameters returns the table in declaration order.
func (s *TableConfigureService) Parameters() []Parameter {
	params := make([]Parameter, 0, len(s.specs))
	for _, spec := range s.specs {
		params = append(params, Parameter{
			Name:          spec.Name,
			Description:   spec.Description,
			DescriptionFr: spec.DescriptionFr,
		})
	}
	return params
}
