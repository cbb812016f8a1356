package app

import (
	"fmt"
	"sort"

	"github.com/wazo-pbx/xivo-provisioning/pkg/operation"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// pgLoadAll loads every installed plugin. Load failures are logged and
// leave the plugin installed but unloaded.
func (a *App) pgLoadAll() {
	util.Info("loading all installed plugins")
	infos, err := a.pgMgr.ListInstalled()
	if err != nil {
		util.Errorf("listing installed plugins: %v", err)
		return
	}
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := a.pgMgr.Load(id, a.baseRawConfig.Copy()); err != nil {
			util.WithPlugin(id).Errorf("could not load plugin: %v", err)
		}
	}
}

// pgConfigureAllDevices reruns the deconfigure/configure cycle of
// every device associated with the plugin, in id order.
func (a *App) pgConfigureAllDevices(pluginID string) error {
	util.WithPlugin(pluginID).Info("reconfiguring all devices using plugin")
	affected, err := a.devColl.Find(persist.Selector{"plugin": pluginID},
		&persist.FindOptions{Sort: persist.IDKey, SortOrder: persist.Ascending})
	if err != nil {
		return err
	}
	for _, device := range affected {
		wasConfigured, _ := device["configured"].(bool)
		if wasConfigured {
			a.devDeconfigureIfPossible(device)
		}
		configured, err := a.devConfigureIfPossible(device)
		if err != nil {
			return err
		}
		if wasConfigured != configured {
			device["configured"] = configured
			if err := a.devColl.Update(device); err != nil {
				return err
			}
		}
	}
	return nil
}

// PgInstall installs a plugin, loads it and reconfigures its devices.
// The package transfer runs in the background; its progress is
// reported through the returned OIP and the channel delivers the final
// outcome. Synchronous failures (unknown id, already installed,
// install in progress) come back as the error return.
func (a *App) PgInstall(id string) (<-chan error, *operation.OIP, error) {
	util.WithPlugin(id).Info("installing plugin")
	errCh, mgrOIP, err := a.pgMgr.Install(id)
	if err != nil {
		return nil, nil, err
	}
	done, oip := a.pgFinishInstall(id, errCh, mgrOIP)
	return done, oip, nil
}

// PgUpgrade upgrades an installed plugin then reloads it, keeping the
// devices of the old version configured until the new version is in
// place.
func (a *App) PgUpgrade(id string) (<-chan error, *operation.OIP, error) {
	util.WithPlugin(id).Info("upgrading plugin")
	errCh, mgrOIP, err := a.pgMgr.Upgrade(id)
	if err != nil {
		return nil, nil, err
	}
	if a.pgMgr.IsLoaded(id) {
		a.lock.Lock()
		unloadErr := a.pgMgr.Unload(id)
		a.lock.Unlock()
		if unloadErr != nil {
			util.WithPlugin(id).Warnf("unload before upgrade: %v", unloadErr)
		}
	}
	done, oip := a.pgFinishInstall(id, errCh, mgrOIP)
	return done, oip, nil
}

// pgFinishInstall wraps the manager's package operation in a parent
// OIP that also covers the post-install load and device
// reconfiguration.
func (a *App) pgFinishInstall(id string, errCh <-chan error, mgrOIP *operation.OIP) (<-chan error, *operation.OIP) {
	parent := operation.New("install")
	parent.AddSub(mgrOIP)
	done := make(chan error, 1)
	go func() {
		err := <-errCh
		if err == nil {
			err = a.pgLoadAndConfigure(id)
		}
		if err != nil {
			util.WithPlugin(id).Errorf("install failed: %v", err)
			parent.Fail()
		} else {
			parent.Success()
		}
		done <- err
	}()
	return done, parent
}

func (a *App) pgLoadAndConfigure(id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.pgMgr.Load(id, a.baseRawConfig.Copy()); err != nil {
		return err
	}
	return a.pgConfigureAllDevices(id)
}

// PgUninstall uninstalls a plugin. Its devices keep their generated
// files but are marked unconfigured, without calling into the plugin.
func (a *App) PgUninstall(id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	util.WithPlugin(id).Info("uninstalling plugin")

	if err := a.pgMgr.Uninstall(id); err != nil {
		return err
	}
	// the plugin is gone, so only the flag can change
	affected, err := a.devColl.Find(persist.Selector{"plugin": id},
		&persist.FindOptions{Sort: persist.IDKey, SortOrder: persist.Ascending})
	if err != nil {
		return err
	}
	for _, device := range affected {
		if configured, _ := device["configured"].(bool); configured {
			device["configured"] = false
			if err := a.devColl.Update(device); err != nil {
				return err
			}
		}
	}
	return nil
}

// PgReload reloads a loaded plugin in place and reconfigures its
// devices, picking up files changed on disk.
func (a *App) PgReload(id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	util.WithPlugin(id).Info("reloading plugin")

	if !a.pgMgr.IsInstalled(id) {
		return fmt.Errorf("reload plugin %s: %w", id, util.ErrNotInstalled)
	}
	if a.pgMgr.IsLoaded(id) {
		if err := a.pgMgr.Unload(id); err != nil {
			return err
		}
	}
	if err := a.pgMgr.Load(id, a.baseRawConfig.Copy()); err != nil {
		return err
	}
	return a.pgConfigureAllDevices(id)
}

// PgUpdate refreshes the installable-plugin catalog from the plugin
// server.
func (a *App) PgUpdate() (<-chan error, *operation.OIP, error) {
	util.Info("updating plugin catalog")
	return a.pgMgr.Update()
}
