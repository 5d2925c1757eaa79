package engine

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"hush-chat/go-keycore/internal/groupkey"
	"hush-chat/go-keycore/internal/history"
	"hush-chat/go-keycore/internal/keycache"
	"hush-chat/go-keycore/internal/recordsync"
)

// Config gathers every tunable of the key engine. Zero values fall back to
// component defaults during normalization.
type Config struct {
	DataDir                string
	CacheIdleTTL           time.Duration
	CacheMaxEntries        int
	RecordTTL              time.Duration
	SamplesPerConversation int
	WrapIssuanceRPS        float64
	WrapIssuanceBurst      int
	Network                recordsync.Config

	// Metrics receives the engine's collectors when set. It is wired by the
	// embedding process, never from a config file.
	Metrics prometheus.Registerer
}

type fileConfig struct {
	Engine  fileEngineConfig  `yaml:"engine"`
	Network fileNetworkConfig `yaml:"network"`
}

type fileEngineConfig struct {
	DataDir                string        `yaml:"dataDir"`
	CacheIdleTTL           time.Duration `yaml:"cacheIdleTTL"`
	CacheMaxEntries        int           `yaml:"cacheMaxEntries"`
	RecordTTL              time.Duration `yaml:"recordTTL"`
	SamplesPerConversation int           `yaml:"samplesPerConversation"`
	WrapIssuanceRPS        float64       `yaml:"wrapIssuanceRPS"`
	WrapIssuanceBurst      int           `yaml:"wrapIssuanceBurst"`
}

type fileNetworkConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	AdvertiseAddress    string        `yaml:"advertiseAddress"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	EnableFilter        *bool         `yaml:"enableFilter"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	StoreFailover       *bool         `yaml:"storeFailover"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

func DefaultConfig() Config {
	return Config{
		CacheIdleTTL:           keycache.DefaultIdleTTL,
		CacheMaxEntries:        keycache.DefaultMaxEntries,
		RecordTTL:              groupkey.DefaultRecordTTL,
		SamplesPerConversation: history.DefaultSamplesPerConversation,
		WrapIssuanceRPS:        5,
		WrapIssuanceBurst:      32,
		Network:                recordsync.DefaultConfig(),
	}
}

// LoadFromPath reads a yaml config, falling back to defaults when no file
// is present. Environment overrides apply last.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/keycore.yaml",
			"keycore.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		merge(&merged, parsed)
		applyEnvOverrides(&merged)
		return normalize(merged)
	}

	applyEnvOverrides(&cfg)
	return normalize(cfg)
}

func merge(dst *Config, src fileConfig) {
	if src.Engine.DataDir != "" {
		dst.DataDir = src.Engine.DataDir
	}
	if src.Engine.CacheIdleTTL != 0 {
		dst.CacheIdleTTL = src.Engine.CacheIdleTTL
	}
	if src.Engine.CacheMaxEntries != 0 {
		dst.CacheMaxEntries = src.Engine.CacheMaxEntries
	}
	if src.Engine.RecordTTL != 0 {
		dst.RecordTTL = src.Engine.RecordTTL
	}
	if src.Engine.SamplesPerConversation != 0 {
		dst.SamplesPerConversation = src.Engine.SamplesPerConversation
	}
	if src.Engine.WrapIssuanceRPS != 0 {
		dst.WrapIssuanceRPS = src.Engine.WrapIssuanceRPS
	}
	if src.Engine.WrapIssuanceBurst != 0 {
		dst.WrapIssuanceBurst = src.Engine.WrapIssuanceBurst
	}

	if src.Network.Transport != "" {
		dst.Network.Transport = src.Network.Transport
	}
	if src.Network.Port != 0 {
		dst.Network.Port = src.Network.Port
	}
	if src.Network.AdvertiseAddress != "" {
		dst.Network.AdvertiseAddress = src.Network.AdvertiseAddress
	}
	if src.Network.EnableRelay != nil {
		dst.Network.EnableRelay = *src.Network.EnableRelay
	}
	if src.Network.EnableStore != nil {
		dst.Network.EnableStore = *src.Network.EnableStore
	}
	if src.Network.EnableFilter != nil {
		dst.Network.EnableFilter = *src.Network.EnableFilter
	}
	if src.Network.EnableLightPush != nil {
		dst.Network.EnableLightPush = *src.Network.EnableLightPush
	}
	if src.Network.BootstrapNodes != nil {
		dst.Network.BootstrapNodes = src.Network.BootstrapNodes
	}
	if src.Network.StoreFailover != nil {
		dst.Network.StoreFailover = *src.Network.StoreFailover
	}
	if src.Network.MinPeers != 0 {
		dst.Network.MinPeers = src.Network.MinPeers
	}
	if src.Network.StoreQueryFanout != 0 {
		dst.Network.StoreQueryFanout = src.Network.StoreQueryFanout
	}
	if src.Network.ReconnectInterval != 0 {
		dst.Network.ReconnectInterval = src.Network.ReconnectInterval
	}
	if src.Network.ReconnectBackoffMax != 0 {
		dst.Network.ReconnectBackoffMax = src.Network.ReconnectBackoffMax
	}
}

func applyEnvOverrides(cfg *Config) {
	if dir := strings.TrimSpace(os.Getenv("HUSH_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if transport := strings.TrimSpace(os.Getenv("HUSH_NETWORK_TRANSPORT")); transport != "" {
		cfg.Network.Transport = transport
	}
	if raw := strings.TrimSpace(os.Getenv("HUSH_STORE_FAILOVER")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Network.StoreFailover = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("HUSH_CACHE_IDLE_TTL")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.CacheIdleTTL = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("HUSH_RECORD_TTL")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.RecordTTL = d
		}
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.CacheIdleTTL <= 0 {
		cfg.CacheIdleTTL = def.CacheIdleTTL
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = def.CacheMaxEntries
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = def.RecordTTL
	}
	if cfg.SamplesPerConversation <= 0 {
		cfg.SamplesPerConversation = def.SamplesPerConversation
	}
	if cfg.WrapIssuanceRPS <= 0 {
		cfg.WrapIssuanceRPS = def.WrapIssuanceRPS
	}
	if cfg.WrapIssuanceBurst <= 0 {
		cfg.WrapIssuanceBurst = def.WrapIssuanceBurst
	}
	return cfg
}
