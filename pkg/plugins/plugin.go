// Package plugins implements the provisioning plugin system: the
// contract vendor plugin families implement, a factory registry they
// register into, and a manager that installs, upgrades and loads them
// from a remote plugin server.
package plugins

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wazo-pbx/xivo-provisioning/pkg/devices"
	"github.com/wazo-pbx/xivo-provisioning/pkg/operation"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/services"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// InfoFilename is the metadata file at the root of every unpacked
// plugin directory.
const InfoFilename = "plugin.info"

// Plugin is the contract a loaded plugin fulfills. It extends the
// identification-pipeline view of a plugin with the configuration
// operations the application drives.
type Plugin interface {
	devices.Plugin

	// Configure writes the device-specific configuration files for
	// rawConfig so the device can pick them up on its next fetch.
	Configure(device, rawConfig persist.Document) error

	// Deconfigure removes what Configure wrote. It is idempotent:
	// deconfiguring a device that was never configured succeeds.
	Deconfigure(device persist.Document) error

	// Synchronize nudges the device into reloading its configuration.
	// It blocks until the nudge has been delivered and returns
	// util.ErrSyncUnsupported when the plugin has no way to reach the
	// device.
	Synchronize(device, rawConfig persist.Document) error

	// ConfigureCommon applies the configuration shared by every device
	// of the plugin, typically firmware and language files derived from
	// the base raw config. It is called at load time and again whenever
	// the common config changes.
	ConfigureCommon(rawConfig persist.Document) error
}

// ConfigurableService is implemented by plugins exposing their own
// runtime parameters over the configure-service surface.
type ConfigurableService interface {
	ConfigureService() services.ConfigureService
}

// InstallService manages the optional packages of one plugin, firmware
// and language files the vendor ships separately from the plugin
// itself. Install and Uninstall take package ids from the listing
// maps.
type InstallService interface {
	Install(id string) (<-chan error, *operation.OIP, error)
	Uninstall(id string) error
	ListInstallable() (map[string]persist.Document, error)
	ListInstalled() (map[string]persist.Document, error)
}

// InstallableService is implemented by plugins exposing a package
// install service.
type InstallableService interface {
	InstallService() InstallService
}

// CompatRange bounds the engine versions a plugin works with. Empty
// bounds are open.
type CompatRange struct {
	Min string `yaml:"min"`
	Max string `yaml:"max"`
}

// Contains reports whether version falls within the range. Versions
// compare numerically segment by segment.
func (r CompatRange) Contains(version string) bool {
	if r.Min != "" && compareVersions(version, r.Min) < 0 {
		return false
	}
	if r.Max != "" && compareVersions(version, r.Max) > 0 {
		return false
	}
	return true
}

// compareVersions compares dotted version strings segment by segment.
// Numeric segments compare as integers, anything else as strings. A
// missing segment counts as zero, so "1.2" equals "1.2.0".
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		sa, sb := "0", "0"
		if i < len(as) && as[i] != "" {
			sa = as[i]
		}
		if i < len(bs) && bs[i] != "" {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// PluginInfo is the parsed plugin.info metadata of an installed plugin.
type PluginInfo struct {
	ID            string                            `yaml:"-"`
	Version       string                            `yaml:"version"`
	Description   string                            `yaml:"description"`
	DescriptionFr string                            `yaml:"description_fr"`
	Entry         string                            `yaml:"entry"`
	Capabilities  map[string]map[string]interface{} `yaml:"capabilities"`
	Compat        CompatRange                       `yaml:"compat"`
}

// ModelVersions extracts, from the capabilities listed in the plugin
// info, the models of the given vendor and the firmware version each
// was tested against. Capability keys have the form
// "<vendor>, <model>, <version>".
func (i PluginInfo) ModelVersions(vendor string) map[string]string {
	versions := make(map[string]string)
	for key := range i.Capabilities {
		parts := strings.Split(key, ",")
		if len(parts) != 3 {
			util.Warnf("plugin %s: malformed capability %q", i.ID, key)
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(parts[0]), vendor) {
			continue
		}
		versions[strings.TrimSpace(parts[1])] = strings.TrimSpace(parts[2])
	}
	return versions
}

// ReadPluginInfo parses the plugin.info file of the plugin unpacked at
// dir. The plugin id is the directory name.
func ReadPluginInfo(dir string) (PluginInfo, error) {
	var info PluginInfo
	raw, err := os.ReadFile(filepath.Join(dir, InfoFilename))
	if err != nil {
		return info, fmt.Errorf("read plugin info: %w", err)
	}
	if err := yaml.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("parse plugin info: %w", err)
	}
	info.ID = filepath.Base(dir)
	if info.Version == "" {
		return info, fmt.Errorf("plugin info %s: missing version", info.ID)
	}
	if info.Entry == "" {
		return info, fmt.Errorf("plugin info %s: missing entry", info.ID)
	}
	return info, nil
}

// BasePlugin carries the state and default behavior shared by every
// plugin family: identity, the unpacked plugin directory and the
// tftpboot tree it serves files from.
type BasePlugin struct {
	id  string
	dir string
}

// NewBasePlugin creates the shared plugin base for the plugin unpacked
// at dir.
func NewBasePlugin(id, dir string) BasePlugin {
	return BasePlugin{id: id, dir: dir}
}

// ID returns the plugin id.
func (p *BasePlugin) ID() string {
	return p.id
}

// Dir returns the unpacked plugin directory.
func (p *BasePlugin) Dir() string {
	return p.dir
}

// TFTPBootDir returns the directory holding the files the plugin serves
// to devices. Both the HTTP and TFTP file surfaces read from it.
func (p *BasePlugin) TFTPBootDir() string {
	return filepath.Join(p.dir, "var", "tftpboot")
}

// TemplatesDir returns the directory holding site-local template
// overrides.
func (p *BasePlugin) TemplatesDir() string {
	return filepath.Join(p.dir, "var", "templates")
}

// DeviceInfoExtractor returns nil: the base plugin recognizes no
// devices.
func (p *BasePlugin) DeviceInfoExtractor(reqType devices.RequestType) devices.InfoExtractor {
	return nil
}

// Associator returns nil: the base plugin claims no devices.
func (p *BasePlugin) Associator() devices.Associator {
	return nil
}

// HTTPService serves the plugin's tftpboot tree over HTTP. Directory
// listings are refused so one device cannot enumerate the
// configuration files of the others.
func (p *BasePlugin) HTTPService() http.Handler {
	return http.FileServer(noListingFileSystem{http.Dir(p.TFTPBootDir())})
}

// noListingFileSystem answers not-found for directories.
type noListingFileSystem struct {
	inner http.FileSystem
}

func (f noListingFileSystem) Open(name string) (http.File, error) {
	file, err := f.inner.Open(name)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if stat.IsDir() {
		file.Close()
		return nil, fs.ErrNotExist
	}
	return file, nil
}

// Configure does nothing.
func (p *BasePlugin) Configure(device, rawConfig persist.Document) error {
	return nil
}

// Deconfigure does nothing.
func (p *BasePlugin) Deconfigure(device persist.Document) error {
	return nil
}

// Synchronize reports that the plugin cannot reach its devices.
func (p *BasePlugin) Synchronize(device, rawConfig persist.Document) error {
	return util.ErrSyncUnsupported
}

// ConfigureCommon does nothing.
func (p *BasePlugin) ConfigureCommon(rawConfig persist.Document) error {
	return nil
}
