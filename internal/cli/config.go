package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/deepdecipher/internal/logging"
	"github.com/mesh-intelligence/deepdecipher/internal/objstore"
	"github.com/mesh-intelligence/deepdecipher/internal/paths"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	envPrefix      = "DEEPDECIPHER"
)

// Config keys.
const (
	keyDataDir       = "data_dir"
	keyStoreFile     = "store_file"
	keyCompression   = "compression"
	keyBatchSize     = "batch_size"
	keyBusyTimeout   = "busy_timeout"
	keyDeletePolicy  = "delete_policy"
	keyLogLevel      = "log_level"
	keyLogFormat     = "log_format"
	keyIngestRate    = "ingest.rate"
	keyIngestWorkers = "ingest.workers"
	keySnapEndpoint  = "snapshot.endpoint"
	keySnapBucket    = "snapshot.bucket"
	keySnapPrefix    = "snapshot.prefix"
	keySnapAccessKey = "snapshot.access_key"
	keySnapSecretKey = "snapshot.secret_key"
	keySnapRegion    = "snapshot.region"
	keySnapUseSSL    = "snapshot.use_ssl"
)

const (
	defaultLogLevel   = "warn"
	defaultWorkers    = 4
	defaultSnapPrefix = "snapshots"
)

var defaults = map[string]any{
	keyStoreFile:     paths.DefaultStoreFile,
	keyCompression:   types.DefaultCompression,
	keyBatchSize:     types.DefaultBatchSize,
	keyBusyTimeout:   types.DefaultBusyTimeout,
	keyDeletePolicy:  types.DeleteCascade,
	keyLogLevel:      defaultLogLevel,
	keyLogFormat:     logging.FormatText,
	keyIngestRate:    0.0,
	keyIngestWorkers: defaultWorkers,
	keySnapEndpoint:  "",
	keySnapBucket:    "",
	keySnapPrefix:    defaultSnapPrefix,
	keySnapAccessKey: "",
	keySnapSecretKey: "",
	keySnapRegion:    "",
	keySnapUseSSL:    true,
}

// settings is the decoded configuration after defaults, config.yaml and the
// environment are merged.
type settings struct {
	DataDir      string          `mapstructure:"data_dir"`
	StoreFile    string          `mapstructure:"store_file"`
	Compression  string          `mapstructure:"compression"`
	BatchSize    int             `mapstructure:"batch_size"`
	BusyTimeout  time.Duration   `mapstructure:"busy_timeout"`
	DeletePolicy string          `mapstructure:"delete_policy"`
	LogLevel     string          `mapstructure:"log_level"`
	LogFormat    string          `mapstructure:"log_format"`
	Ingest       ingestSettings  `mapstructure:"ingest"`
	Snapshot     objstore.Config `mapstructure:"snapshot"`
}

type ingestSettings struct {
	Rate    float64 `mapstructure:"rate" yaml:"rate"`
	Workers int     `mapstructure:"workers" yaml:"workers"`
}

// configFile is the layout init writes to config.yaml.
type configFile struct {
	DataDir      string          `yaml:"data_dir,omitempty"`
	StoreFile    string          `yaml:"store_file"`
	Compression  string          `yaml:"compression"`
	BatchSize    int             `yaml:"batch_size"`
	BusyTimeout  string          `yaml:"busy_timeout"`
	DeletePolicy string          `yaml:"delete_policy"`
	LogLevel     string          `yaml:"log_level"`
	LogFormat    string          `yaml:"log_format"`
	Ingest       ingestSettings  `yaml:"ingest"`
	Snapshot     objstore.Config `yaml:"snapshot"`
}

func defaultConfigFile(dataDir string) configFile {
	return configFile{
		DataDir:      dataDir,
		StoreFile:    paths.DefaultStoreFile,
		Compression:  types.DefaultCompression,
		BatchSize:    types.DefaultBatchSize,
		BusyTimeout:  types.DefaultBusyTimeout.String(),
		DeletePolicy: types.DeleteCascade,
		LogLevel:     defaultLogLevel,
		LogFormat:    logging.FormatText,
		Ingest:       ingestSettings{Workers: defaultWorkers},
		Snapshot:     objstore.Config{Prefix: defaultSnapPrefix, UseSSL: true},
	}
}

// loadConfig reads config.yaml from configDir. A missing file is not an
// error. Every key except data_dir can be overridden from the environment
// as DEEPDECIPHER_<KEY> with dots replaced by underscores; data_dir follows
// the directory precedence in internal/paths instead.
func loadConfig(configDir string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func decodeSettings(v *viper.Viper) (settings, error) {
	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("decode config: %w", err)
	}
	return s, nil
}

// writeConfigIfMissing creates config.yaml with default values. An existing
// file is left alone.
func writeConfigIfMissing(path, dataDir string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}

	cfg := defaultConfigFile(dataDir)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	header := []byte("# deepdecipher configuration\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
