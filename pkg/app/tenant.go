package app

import (
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// IsDeviceInProvdTenant reports whether the device belongs to the
// engine tenant, meaning it was autocreated and never claimed by a
// subtenant.
func (a *App) IsDeviceInProvdTenant(device persist.Document) bool {
	tenant, _ := device["tenant_uuid"].(string)
	return tenant != "" && tenant == a.Tenant()
}

// CheckTenantValidForDevice verifies that a caller in tenantUUID may
// act on the device. The device tenant itself and the engine tenant
// are allowed; anyone else gets a tenant error.
func (a *App) CheckTenantValidForDevice(device persist.Document, tenantUUID string) error {
	deviceTenant, _ := device["tenant_uuid"].(string)
	if tenantUUID == deviceTenant || tenantUUID == a.Tenant() {
		return nil
	}
	return util.NewTenantError(device.ID(), tenantUUID, "device belongs to another tenant")
}
