package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrSecretNotFound = errors.New("secret not found")

	errNoAddress = errors.New("no vault address configured")
)

// envPrefix is the fallback variable namespace, a secret at path "chap/r630-02"
// with key "secret" resolves from BOOTSMITH_SECRET_CHAP_R630_02_SECRET when the
// vault lookup misses or no vault is configured.
const envPrefix = "BOOTSMITH_SECRET_"

// Reader resolves named secrets.
type Reader interface {
	// Get returns the value stored at path under the given key.
	Get(ctx context.Context, path, key string) (string, error)
}

// Writer stores named secrets.
type Writer interface {
	Put(ctx context.Context, path string, values map[string]string) error
}

// Lister enumerates secret paths under a prefix.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config holds the vault connection parameters.
type Config struct {
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	MountPath string `mapstructure:"mount_path"`
}

// vaultStore reads and writes KV v2 secrets, falling back to environment
// variables on a miss so air-gapped runs work without a vault.
type vaultStore struct {
	client    *api.Client
	mountPath string
	logger    *logrus.Entry
}

func NewVaultStore(cfg *Config, logger *logrus.Entry) (*vaultStore, error) {
	if cfg.Address == "" {
		return nil, errNoAddress
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, errors.Wrap(err, "initializing vault client")
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := cfg.MountPath
	if mountPath == "" {
		mountPath = "secret"
	}

	return &vaultStore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		logger:    logger,
	}, nil
}

func (v *vaultStore) Get(ctx context.Context, path, key string) (string, error) {
	secretPath := fmt.Sprintf("%s/data/%s", v.mountPath, strings.Trim(path, "/"))

	secret, err := v.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		if value, ok := envFallback(path, key); ok {
			v.logger.WithField("path", path).Warn("vault unavailable, secret resolved from environment")
			return value, nil
		}

		return "", errors.Wrap(model.ErrConnectivity, err.Error())
	}

	if secret == nil || secret.Data == nil {
		if value, ok := envFallback(path, key); ok {
			v.logger.WithField("path", path).Debug("secret resolved from environment")
			return value, nil
		}

		return "", errors.Wrap(ErrSecretNotFound, path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.Wrap(ErrSecretNotFound, path+": unexpected data format")
	}

	value, ok := data[key].(string)
	if !ok {
		return "", errors.Wrap(ErrSecretNotFound, path+"/"+key)
	}

	return value, nil
}

func (v *vaultStore) Put(ctx context.Context, path string, values map[string]string) error {
	secretPath := fmt.Sprintf("%s/data/%s", v.mountPath, strings.Trim(path, "/"))

	data := map[string]interface{}{}
	for k, val := range values {
		data[k] = val
	}

	_, err := v.client.Logical().WriteWithContext(ctx, secretPath, map[string]interface{}{"data": data})
	if err != nil {
		return errors.Wrap(err, "writing secret "+path)
	}

	return nil
}

// List enumerates the secret paths under a prefix from the KV v2 metadata
// endpoint. A missing prefix lists empty, not an error.
func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	cleaned := strings.Trim(prefix, "/")
	listPath := fmt.Sprintf("%s/metadata/%s", v.mountPath, cleaned)

	secret, err := v.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, errors.Wrap(model.ErrConnectivity, err.Error())
	}

	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	paths := make([]string, 0, len(keys))

	for _, k := range keys {
		name, ok := k.(string)
		if !ok {
			continue
		}

		paths = append(paths, cleaned+"/"+name)
	}

	return paths, nil
}

// EnvReader resolves secrets from environment variables only, the zero-config
// default when no vault address is set.
type EnvReader struct{}

func (EnvReader) Get(_ context.Context, path, key string) (string, error) {
	if value, ok := envFallback(path, key); ok {
		return value, nil
	}

	return "", errors.Wrap(ErrSecretNotFound, path+"/"+key)
}

func envFallback(path, key string) (string, bool) {
	name := envPrefix + sanitizeEnvPart(path) + "_" + sanitizeEnvPart(key)

	value, ok := os.LookupEnv(name)

	return value, ok
}

func sanitizeEnvPart(part string) string {
	replacer := strings.NewReplacer("/", "_", "-", "_", ".", "_")

	return strings.ToUpper(replacer.Replace(strings.Trim(part, "/")))
}
