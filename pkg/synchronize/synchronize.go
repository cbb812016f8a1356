// Package synchronize lets plugins nudge devices into reloading their
// configuration through the site's telephony infrastructure. Services
// are registered by type at startup and looked up by plugins when the
// application asks them to synchronize a device.
package synchronize

import (
	"sync"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// Service is one mechanism for reaching devices.
type Service interface {
	// Type identifies the mechanism, for example "AsteriskAMI".
	Type() string
	// Close releases the service's resources.
	Close() error
}

var (
	mu       sync.RWMutex
	services = make(map[string]Service)
)

// Register makes a service available to plugins under its type. A
// previously registered service of the same type is closed and
// replaced.
func Register(s Service) {
	mu.Lock()
	old := services[s.Type()]
	services[s.Type()] = s
	mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			util.Warnf("synchronize: closing replaced %s service: %v", old.Type(), err)
		}
	}
}

// Unregister removes and closes the service of the given type, if any.
func Unregister(serviceType string) {
	mu.Lock()
	s := services[serviceType]
	delete(services, serviceType)
	mu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			util.Warnf("synchronize: closing %s service: %v", serviceType, err)
		}
	}
}

// UnregisterAll removes and closes every registered service.
func UnregisterAll() {
	mu.Lock()
	all := services
	services = make(map[string]Service)
	mu.Unlock()
	for _, s := range all {
		if err := s.Close(); err != nil {
			util.Warnf("synchronize: closing %s service: %v", s.Type(), err)
		}
	}
}

// ForType returns the registered service of the given type, or nil.
func ForType(serviceType string) Service {
	mu.RLock()
	defer mu.RUnlock()
	return services[serviceType]
}
