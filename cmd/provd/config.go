package main

import (
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/synchronize"
)

// Config is the daemon configuration, read from a YAML file. Every
// field has a default so an empty file yields a working daemon.
type Config struct {
	General     GeneralConfig          `yaml:"general"`
	Database    persist.DatabaseConfig `yaml:"database"`
	RESTAPI     RESTAPIConfig          `yaml:"rest_api"`
	Synchronize SynchronizeConfig      `yaml:"synchronize"`
	Security    SecurityConfig         `yaml:"security"`
}

// GeneralConfig covers the provisioning engine itself: where plugins
// live, what the phones are told about the server, and the tenant new
// devices land in.
type GeneralConfig struct {
	ListenIP     string `yaml:"listen_ip" default:"0.0.0.0"`
	HTTPPort     int    `yaml:"http_port" default:"8667"`
	TFTPPort     int    `yaml:"tftp_port" default:"69"`
	ExternalIP   string `yaml:"external_ip"`
	PluginsDir   string `yaml:"plugins_dir" default:"/var/lib/xivo-provd/plugins"`
	CacheDir     string `yaml:"cache_dir" default:"/var/cache/xivo-provd"`
	PluginServer string `yaml:"plugin_server" default:"http://provd.wazo.community/plugins/2"`
	TenantUUID   string `yaml:"tenant_uuid"`
	SettingsFile string `yaml:"settings_file" default:"/var/lib/xivo-provd/app.json"`

	// BaseRawConfig is merged over the computed base; it can add
	// site-wide parameters like sip_proxy_ip or override the derived
	// ones.
	BaseRawConfig map[string]interface{} `yaml:"base_raw_config"`
}

// RESTAPIConfig addresses the management API.
type RESTAPIConfig struct {
	IP   string `yaml:"ip" default:"127.0.0.1"`
	Port int    `yaml:"port" default:"8666"`
}

// SynchronizeConfig selects the device-reload mechanism plugins may
// query for: "asterisk_ami", "sip_notify" or "none". Type "none"
// registers nothing.
type SynchronizeConfig struct {
	Type string                      `yaml:"type" default:"sip_notify"`
	AMI  synchronize.AMIConfig       `yaml:"ami"`
	SIP  synchronize.SIPNotifyConfig `yaml:"sip"`
}

// SecurityConfig parameterizes the security event log.
type SecurityConfig struct {
	LogFile    string `yaml:"log_file" default:"/var/log/xivo-provd-security.log"`
	MaxSizeMB  int64  `yaml:"max_size_mb" default:"10"`
	MaxBackups int    `yaml:"max_backups" default:"5"`
}

// loadConfig reads the YAML file at path over the defaults. A missing
// file is only an error when the path was given explicitly.
func loadConfig(path string, explicit bool) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// baseRawConfig derives the process-wide base raw config from the
// general section: the address phones fetch their files from, the
// ports, plus whatever base_raw_config adds on top.
func (c *Config) baseRawConfig() persist.Document {
	ip := c.General.ExternalIP
	if ip == "" {
		ip = c.General.ListenIP
	}
	base := persist.Document{
		"ip":        ip,
		"http_port": c.General.HTTPPort,
		"tftp_port": c.General.TFTPPort,
	}
	for k, v := range c.General.BaseRawConfig {
		base[k] = v
	}
	return base
}
