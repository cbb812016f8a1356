package app

import (
	"fmt"
	"net/url"

	"github.com/wazo-pbx/xivo-provisioning/pkg/localization"
	"github.com/wazo-pbx/xivo-provisioning/pkg/services"
)

func checkIsServerURL(value string) error {
	if value == "" {
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("no scheme: %s", value)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("no hostname: %s", value)
	}
	return nil
}

func checkIsProxy(value string) error {
	if value == "" {
		return nil
	}
	if err := checkIsServerURL(value); err != nil {
		return err
	}
	parsed, _ := url.Parse(value)
	if parsed.Path != "" {
		return fmt.Errorf("path: %s", value)
	}
	return nil
}

// checkIsHTTPSProxy exists because the https proxy is passed as-is to
// the transport, host:port without a scheme included. An empty value
// unsets the proxy, like the other proxy parameters.
func checkIsHTTPSProxy(value string) error {
	if value == "" {
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme != "" && parsed.Hostname() != "" {
		return fmt.Errorf("scheme and hostname: %s", value)
	}
	return nil
}

func checkIsNAT(value string) error {
	if value != "0" && value != "1" {
		return fmt.Errorf("value %q is not 0 or 1", value)
	}
	return nil
}

// pluginManagerParams names the parameters owned by the plugin
// manager, mounted under the plugin_manager prefix of the configure
// service.
var pluginManagerParams = []string{"plugin_server", "http_proxy", "ftp_proxy", "https_proxy"}

// configureParams builds the engine parameter table. The OnSet hooks
// push accepted values straight into the owning subsystems, so a
// persisted value replayed at startup reconfigures them too.
func (a *App) configureParams() []services.ParamSpec {
	return []services.ParamSpec{
		{
			Name:          "plugin_server",
			Description:   "The plugins repository URL",
			DescriptionFr: "L'addresse (URL) du dépôt de plugins",
			Validate:      checkIsServerURL,
			OnSet: func(value string) error {
				a.pgMgr.SetServer(value)
				return nil
			},
		},
		{
			Name:          "http_proxy",
			Description:   "The proxy for HTTP requests. Format is \"http://[user:password@]host:port\"",
			DescriptionFr: "Le proxy pour les requêtes HTTP. Le format est \"http://[user:password@]host:port\"",
			Validate:      checkIsProxy,
			OnSet: func(value string) error {
				a.pgMgr.Downloader().SetProxy("http", value)
				return nil
			},
		},
		{
			Name:          "ftp_proxy",
			Description:   "The proxy for FTP requests. Format is \"http://[user:password@]host:port\"",
			DescriptionFr: "Le proxy pour les requêtes FTP. Le format est \"http://[user:password@]host:port\"",
			Validate:      checkIsProxy,
			OnSet: func(value string) error {
				a.pgMgr.Downloader().SetProxy("ftp", value)
				return nil
			},
		},
		{
			Name:          "https_proxy",
			Description:   "The proxy for HTTPS requests. Format is \"host:port\"",
			DescriptionFr: "Le proxy pour les requêtes HTTPS. Le format est \"host:port\"",
			Validate:      checkIsHTTPSProxy,
			OnSet: func(value string) error {
				a.pgMgr.Downloader().SetProxy("https", value)
				return nil
			},
		},
		{
			Name:          "locale",
			Description:   "The current locale. Example: fr_FR",
			DescriptionFr: "La locale courante. Exemple: en_CA",
			OnSet: func(value string) error {
				if value == "" {
					localization.Reset()
					return nil
				}
				return localization.SetLocale(value)
			},
		},
		{
			Name:          "NAT",
			Description:   "Set to 1 if all the devices are behind a NAT.",
			DescriptionFr: "Mettre à 1 si toutes les terminaisons sont derrière un NAT.",
			Default:       "0",
			Validate:      checkIsNAT,
			OnSet: func(value string) error {
				if value == "1" {
					a.setNAT(1)
				} else {
					a.setNAT(0)
				}
				return nil
			},
		},
	}
}
