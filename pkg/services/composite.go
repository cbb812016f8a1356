package services

import (
	"fmt"
	"strings"
	"sync"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// CompositeConfigureService joins a base service with per-subsystem
// services mounted under dotted prefixes: "plugin_manager.plugin_server"
// reaches the service mounted as "plugin_manager" with the local name
// "plugin_server". Unprefixed names go to the base service.
type CompositeConfigureService struct {
	base ConfigureService

	mu     sync.Mutex
	order  []string
	mounts map[string]ConfigureService
}

// NewCompositeConfigureService creates a composite over the base
// service.
func NewCompositeConfigureService(base ConfigureService) *CompositeConfigureService {
	return &CompositeConfigureService{base: base, mounts: make(map[string]ConfigureService)}
}

// Mount exposes svc's parameters under prefix. Remounting a prefix
// replaces the previous service.
func (c *CompositeConfigureService) Mount(prefix string, svc ConfigureService) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.mounts[prefix]; !ok {
		c.order = append(c.order, prefix)
	}
	c.mounts[prefix] = svc
}

func (c *CompositeConfigureService) resolve(name string) (ConfigureService, string) {
	if prefix, rest, ok := strings.Cut(name, "."); ok {
		c.mu.Lock()
		svc := c.mounts[prefix]
		c.mu.Unlock()
		if svc != nil {
			return svc, rest
		}
	}
	return c.base, name
}

// Get resolves the name and delegates.
func (c *CompositeConfigureService) Get(name string) (string, error) {
	svc, local := c.resolve(name)
	return svc.Get(local)
}

// Set resolves the name and delegates.
func (c *CompositeConfigureService) Set(name, value string) error {
	svc, local := c.resolve(name)
	return svc.Set(local, value)
}

// ScopedConfigureService restricts a service to a fixed subset of its
// parameters, for mounting one subsystem's parameters of a wider
// service into a composite.
type ScopedConfigureService struct {
	inner ConfigureService
	names map[string]bool
}

// NewScopedConfigureService creates a view of inner limited to the
// given parameter names.
func NewScopedConfigureService(inner ConfigureService, names ...string) *ScopedConfigureService {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return &ScopedConfigureService{inner: inner, names: set}
}

// Get delegates to the inner service for names inside the scope.
func (s *ScopedConfigureService) Get(name string) (string, error) {
	if !s.names[name] {
		return "", fmt.Errorf("%q: %w", name, util.ErrUnknownParameter)
	}
	return s.inner.Get(name)
}

// Set delegates to the inner service for names inside the scope.
func (s *ScopedConfigureService) Set(name, value string) error {
	if !s.names[name] {
		return fmt.Errorf("%q: %w", name, util.ErrUnknownParameter)
	}
	return s.inner.Set(name, value)
}

// Parameters returns the inner parameters inside the scope, in the
// inner service's order.
func (s *ScopedConfigureService) Parameters() []Parameter {
	var params []Parameter
	for _, p := range s.inner.Parameters() {
		if s.names[p.Name] {
			params = append(params, p)
		}
	}
	return params
}

// Parameters returns the base parameters followed by every mounted
// service's parameters with their prefix applied, in mount order.
func (c *CompositeConfigureService) Parameters() []Parameter {
	params := append([]Parameter(nil), c.base.Parameters()...)
	c.mu.Lock()
	order := append([]string(nil), c.order...)
	mounts := make(map[string]ConfigureService, len(c.mounts))
	for prefix, svc := range c.mounts {
		mounts[prefix] = svc
	}
	c.mu.Unlock()
	for _, prefix := range order {
		for _, p := range mounts[prefix].Parameters() {
			p.Name = prefix + "." + p.Name
			params = append(params, p)
		}
	}
	return params
}
