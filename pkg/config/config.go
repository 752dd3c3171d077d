package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "p2pvps"
	ConfigPathEnv  = "P2PVPS_CONFIG_PATH"
	defaultCfgName = "p2pvps-lease"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

// Config is the settings of every p2pvps-lease command. Keys are shared between flags,
// the yaml config file and P2PVPS_* environment variables.
type Config struct {
	ListenAddress string   `mapstructure:"listen-address"`
	LogLevel      string   `mapstructure:"log-level"`
	LogFormat     string   `mapstructure:"log-format"`
	LogOutput     []string `mapstructure:"log-output"`

	LeaseDuration time.Duration `mapstructure:"lease-duration"`

	Store         string        `mapstructure:"store"`
	SQLitePath    string        `mapstructure:"sqlite-path"`
	MongoURL      string        `mapstructure:"mongo-url"`
	MongoDatabase string        `mapstructure:"mongo-database"`
	CacheSize     int           `mapstructure:"cache-size"`
	CacheTTL      time.Duration `mapstructure:"cache-ttl"`

	// PortAllocatorURL selects the remote allocator. When empty an in-process pool serves
	// [PortPoolMin, PortPoolMax].
	PortAllocatorURL string `mapstructure:"port-allocator-url"`
	PortPoolMin      int    `mapstructure:"port-pool-min"`
	PortPoolMax      int    `mapstructure:"port-pool-max"`

	// ListingURL selects the remote marketplace. When empty listings are kept in memory.
	ListingURL string `mapstructure:"listing-url"`

	CollaboratorTimeout time.Duration `mapstructure:"collaborator-timeout"`
	CollaboratorRPS     int           `mapstructure:"collaborator-rps"`

	OtelEndpoint    string        `mapstructure:"otel-endpoint"`
	OtelInsecure    bool          `mapstructure:"otel-insecure"`
	OtelTLSCertPath string        `mapstructure:"otel-tls-cert-path"`
	MetricsStdout   bool          `mapstructure:"metrics-stdout"`
	MetricsInterval time.Duration `mapstructure:"metrics-interval"`

	// Agent settings.
	ServerURL       string        `mapstructure:"server-url"`
	DeviceID        string        `mapstructure:"device-id"`
	CheckinInterval time.Duration `mapstructure:"checkin-interval"`
	DiskPath        string        `mapstructure:"disk-path"`
	InternetSpeed   int64         `mapstructure:"internet-speed"`
}

// DefineFlags registers every configuration key on fs with its default.
func DefineFlags(fs *pflag.FlagSet) {
	fs.String("listen-address", ":3000", "Address the lease API listens on")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.String("log-format", "json", "Log format: json or console")
	fs.StringSlice("log-output", []string{"stderr"}, "Log sinks: stdout, stderr or file paths")

	fs.Duration("lease-duration", 24*time.Hour, "Length of a lease granted by one registration")

	fs.String("store", StoreMemory, "Device store backend: memory, sqlite or mongo")
	fs.String("sqlite-path", "p2pvps-lease.db", "SQLite database file")
	fs.String("mongo-url", "", "MongoDB connection URL")
	fs.String("mongo-database", "p2pvps", "MongoDB database name")
	fs.Int("cache-size", 0, "Number of records kept in the read-through cache, 0 disables it")
	fs.Duration("cache-ttl", 30*time.Second, "Lifetime of a cached record")

	fs.String("port-allocator-url", "", "Base URL of the remote SSH port allocator")
	fs.Int("port-pool-min", 6000, "First port of the in-process pool")
	fs.Int("port-pool-max", 6200, "Last port of the in-process pool")

	fs.String("listing-url", "", "Base URL of the marketplace listing service")

	fs.Duration("collaborator-timeout", 10*time.Second, "Timeout of each call to the allocator or marketplace")
	fs.Int("collaborator-rps", 0, "Outbound requests per second to each collaborator, 0 is unlimited")

	fs.String("otel-endpoint", "", "OTLP collector endpoint for traces and logs")
	fs.Bool("otel-insecure", false, "Connect to the collector without TLS")
	fs.String("otel-tls-cert-path", "", "PEM certificate for the collector")
	fs.Bool("metrics-stdout", false, "Periodically print metrics to stdout")
	fs.Duration("metrics-interval", time.Minute, "Interval between stdout metric dumps")

	fs.String("server-url", "http://localhost:3000", "Lease API the agent talks to")
	fs.String("device-id", "", "Id of the device this agent runs on")
	fs.Duration("checkin-interval", 2*time.Minute, "Interval between agent check-ins")
	fs.String("disk-path", "/", "Mount point whose size the agent reports")
	fs.Int64("internet-speed", 0, "Bandwidth in Mbps the agent reports")
}

// NewViper returns a viper reading the yaml config file (P2PVPS_CONFIG_PATH or ./p2pvps-lease.yaml),
// P2PVPS_* environment variables and the flags in fs, in increasing precedence.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	path, name, err := cleanOrGetConfigPath(os.Getenv(ConfigPathEnv))
	if err != nil {
		return nil, err
	}
	v.SetConfigName(name)
	v.AddConfigPath(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Load decodes v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToSliceHookFunc(","),
	)
}

// stringToSliceHookFunc splits a string into a []string, so env values like "stdout,/var/log/lease.log" work.
func stringToSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Slice || t.Elem().Kind() != reflect.String {
			return data, nil
		}

		raw := data.(string)
		if raw == "" {
			return []string{}, nil
		}
		return strings.Split(raw, sep), nil
	}
}

func cleanOrGetConfigPath(customPath string) (string, string, error) {
	if customPath == "" {
		return ".", defaultCfgName, nil
	}

	cfgDir, cfgFile := filepath.Split(filepath.Clean(customPath))
	if cfgDir == "" {
		cfgDir = "."
	}

	ext := filepath.Ext(cfgFile)
	if ext != ".yaml" && ext != ".yml" {
		return "", "", errors.New("config: expected config file to have .yaml or .yml extension")
	}

	return strings.TrimSuffix(cfgDir, string(filepath.Separator)), strings.TrimSuffix(cfgFile, ext), nil
}
