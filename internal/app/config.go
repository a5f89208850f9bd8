package app

import (
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/metal-toolbox/bootsmith/internal/objstore"
	"github.com/metal-toolbox/bootsmith/internal/secrets"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const (
	defaultConcurrency       = 4
	defaultBMCConnectTimeout = 60 * time.Second
)

var (
	ErrConfig = errors.New("configuration error")
)

// Configuration holds application configuration read from a YAML file or set
// by env variables prefixed with BOOTSMITH_.
//
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// Concurrency bounds how many servers are provisioned at once.
	Concurrency int `mapstructure:"concurrency"`

	// InventoryFile is the path to the YAML targets and servers inventory.
	InventoryFile string `mapstructure:"inventory_file"`

	// ApplianceOptions defines the storage appliance API client parameters.
	ApplianceOptions *ApplianceOptions `mapstructure:"appliance"`

	// BMCOptions defines BMC session parameters.
	BMCOptions *BMCOptions `mapstructure:"bmc"`

	// ObjectStoreOptions defines the artifact ledger backend parameters.
	ObjectStoreOptions *objstore.Config `mapstructure:"objectstore"`

	// VaultOptions defines the secret store parameters, when unset secrets
	// resolve from BOOTSMITH_SECRET_ env variables.
	VaultOptions *secrets.Config `mapstructure:"vault"`
}

// ApplianceOptions defines configuration for the storage appliance client.
type ApplianceOptions struct {
	Endpoint      string `mapstructure:"endpoint"`
	APIKey        string `mapstructure:"api_key"`
	Pool          string `mapstructure:"pool"`
	PortalAddress string `mapstructure:"portal_address"`
	VolumeSize    string `mapstructure:"volume_size"`
	Version       string `mapstructure:"version"`
}

// BMCOptions defines configuration for BMC sessions.
type BMCOptions struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	NicID          string        `mapstructure:"nic_id"`
}

// LoadConfiguration loads application configuration
//
// Reads in the cfgFile when available and overrides from environment variables.
func (a *App) LoadConfiguration(cfgFile string) error {
	a.v.SetConfigType("yaml")
	a.v.SetEnvPrefix(model.AppName)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	// these are initialized here so viper can read in configuration from env vars
	// once https://github.com/spf13/viper/pull/1429 is merged, this can go.
	a.Config.ApplianceOptions = &ApplianceOptions{}
	a.Config.BMCOptions = &BMCOptions{}
	a.Config.ObjectStoreOptions = &objstore.Config{}
	a.Config.VaultOptions = &secrets.Config{}

	if cfgFile != "" {
		fh, err := os.Open(cfgFile)
		if err != nil {
			return errors.Wrap(ErrConfig, err.Error())
		}

		if err = a.v.ReadConfig(fh); err != nil {
			return errors.Wrap(ErrConfig, "ReadConfig error:"+err.Error())
		}
	}

	a.v.SetDefault("log.level", "info")
	a.v.SetDefault("concurrency", defaultConcurrency)

	if err := a.envBindVars(); err != nil {
		return errors.Wrap(ErrConfig, "env var bind error:"+err.Error())
	}

	if err := a.v.Unmarshal(a.Config); err != nil {
		return errors.Wrap(ErrConfig, "Unmarshal error: "+err.Error())
	}

	a.envVarAppOverrides()

	if err := a.envVarApplianceOverrides(); err != nil {
		return errors.Wrap(ErrConfig, "appliance env overrides error:"+err.Error())
	}

	a.envVarObjectStoreOverrides()
	a.envVarVaultOverrides()

	if a.Config.BMCOptions.ConnectTimeout == 0 {
		a.Config.BMCOptions.ConnectTimeout = defaultBMCConnectTimeout
	}

	return nil
}

func (a *App) envVarAppOverrides() {
	if a.v.GetString("log.level") != "" {
		a.Config.LogLevel = a.v.GetString("log.level")
	}

	if a.v.GetString("inventory.file") != "" {
		a.Config.InventoryFile = a.v.GetString("inventory.file")
	}
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (a *App) envBindVars() error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(a.Config, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten config")
	}

	for k := range flat {
		if err := a.v.BindEnv(k); err != nil {
			return errors.Wrap(ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

// Storage appliance configuration options

func (a *App) envVarApplianceOverrides() error {
	if a.v.GetString("appliance.endpoint") != "" {
		a.Config.ApplianceOptions.Endpoint = a.v.GetString("appliance.endpoint")
	}

	if a.v.GetString("appliance.api.key") != "" {
		a.Config.ApplianceOptions.APIKey = a.v.GetString("appliance.api.key")
	}

	if a.v.GetString("appliance.pool") != "" {
		a.Config.ApplianceOptions.Pool = a.v.GetString("appliance.pool")
	}

	if a.v.GetString("appliance.portal.address") != "" {
		a.Config.ApplianceOptions.PortalAddress = a.v.GetString("appliance.portal.address")
	}

	if a.Config.ApplianceOptions.Endpoint == "" {
		return errors.New("appliance.endpoint not defined")
	}

	if a.Config.ApplianceOptions.Pool == "" {
		a.Config.ApplianceOptions.Pool = "tank"
	}

	return nil
}

func (a *App) envVarObjectStoreOverrides() {
	if a.v.GetString("objectstore.access.key") != "" {
		a.Config.ObjectStoreOptions.AccessKey = a.v.GetString("objectstore.access.key")
	}

	if a.v.GetString("objectstore.secret.key") != "" {
		a.Config.ObjectStoreOptions.SecretKey = a.v.GetString("objectstore.secret.key")
	}

	if a.v.GetString("objectstore.bucket") != "" {
		a.Config.ObjectStoreOptions.Bucket = a.v.GetString("objectstore.bucket")
	}
}

func (a *App) envVarVaultOverrides() {
	if a.v.GetString("vault.address") != "" {
		a.Config.VaultOptions.Address = a.v.GetString("vault.address")
	}

	if a.v.GetString("vault.token") != "" {
		a.Config.VaultOptions.Token = a.v.GetString("vault.token")
	}
}
