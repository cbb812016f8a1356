// Command provd is the provisioning daemon: it owns the device and
// config collections, loads the vendor plugins, answers the management
// REST API and identifies the anonymous requests phones make while
// booting.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wazo-pbx/xivo-provisioning/pkg/app"
	"github.com/wazo-pbx/xivo-provisioning/pkg/devices"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/plugins"
	"github.com/wazo-pbx/xivo-provisioning/pkg/rest"
	"github.com/wazo-pbx/xivo-provisioning/pkg/security"
	"github.com/wazo-pbx/xivo-provisioning/pkg/settings"
	"github.com/wazo-pbx/xivo-provisioning/pkg/synchronize"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
	"github.com/wazo-pbx/xivo-provisioning/pkg/version"

	// vendor plugin families register their factories on import
	_ "github.com/wazo-pbx/xivo-provisioning/pkg/plugins/aastra"
	_ "github.com/wazo-pbx/xivo-provisioning/pkg/plugins/ciscosccp"
)

const defaultConfigFile = "/etc/xivo-provd/provd.yml"

func main() {
	var (
		configFile string
		verbose    bool
		jsonLogs   bool
	)

	rootCmd := &cobra.Command{
		Use:           "provd",
		Short:         "Provisioning daemon for SIP/SCCP desk phones",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonLogs {
				util.SetJSONFormat()
			}
			if verbose {
				util.SetLogLevel("debug")
			}
			cfg, err := loadConfig(configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Log in JSON format")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("provd %s\n", version.Info())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cfg *Config) error {
	util.Infof("starting provd %s", version.Version)

	secLogger, err := security.NewFileLogger(cfg.Security.LogFile, security.RotationConfig{
		MaxSize:    cfg.Security.MaxSizeMB * 1024 * 1024,
		MaxBackups: cfg.Security.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("security log: %w", err)
	}
	security.SetDefaultLogger(secLogger)
	defer secLogger.Close()

	db, err := persist.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	devColl, err := db.Collection("devices")
	if err != nil {
		return err
	}
	for _, field := range []string{"mac", "ip", "sn"} {
		if err := devColl.EnsureIndex(field); err != nil {
			return fmt.Errorf("index devices on %s: %w", field, err)
		}
	}
	cfgRaw, err := db.Collection("configs")
	if err != nil {
		return err
	}

	store, err := settings.Open(cfg.General.SettingsFile)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}

	pgMgr, err := plugins.NewManager(plugins.ManagerConfig{
		PluginsDir: cfg.General.PluginsDir,
		CacheDir:   cfg.General.CacheDir,
		Downloader: plugins.NewDownloader(),
	})
	if err != nil {
		return fmt.Errorf("plugin manager: %w", err)
	}
	pgMgr.SetServer(cfg.General.PluginServer)

	if err := registerSynchronizeService(cfg.Synchronize); err != nil {
		return err
	}
	defer synchronize.UnregisterAll()

	a, err := app.New(devices.NewConfigCollection(cfgRaw), devColl, pgMgr, app.Config{
		BaseRawConfig: cfg.baseRawConfig(),
		TenantUUID:    cfg.General.TenantUUID,
		Store:         store,
	})
	if err != nil {
		return fmt.Errorf("application: %w", err)
	}
	defer a.Close()

	ident := devices.NewStandardRequestProcessingService(a, pgMgr)

	phoneServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.General.ListenIP, cfg.General.HTTPPort),
		Handler: devices.NewHTTPRequestProcessingService(ident, pgMgr),
	}
	restServer := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.RESTAPI.IP, cfg.RESTAPI.Port),
		Handler: rest.NewServer(a, rest.ServerConfig{
			DHCPService: devices.NewDHCPRequestProcessingService(ident),
		}).Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		util.Infof("phone HTTP surface listening on %s", phoneServer.Addr)
		errCh <- phoneServer.ListenAndServe()
	}()
	go func() {
		util.Infof("REST API listening on %s", restServer.Addr)
		errCh <- restServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		util.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Errorf("server failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := restServer.Shutdown(ctx); err != nil {
		util.Warnf("REST shutdown: %v", err)
	}
	if err := phoneServer.Shutdown(ctx); err != nil {
		util.Warnf("phone HTTP shutdown: %v", err)
	}
	return nil
}

// registerSynchronizeService makes the configured device-reload
// mechanism available to plugins.
func registerSynchronizeService(cfg SynchronizeConfig) error {
	switch cfg.Type {
	case "", "none":
		return nil
	case "asterisk_ami":
		synchronize.Register(synchronize.NewAsteriskAMISynchronizeService(cfg.AMI))
	case "sip_notify":
		synchronize.Register(synchronize.NewSIPNotifySynchronizeService(cfg.SIP))
	default:
		return fmt.Errorf("unknown synchronize type %q", cfg.Type)
	}
	return nil
}
