package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dotheaven/heaven-content/internal/loadnet"
	"github.com/dotheaven/heaven-content/internal/names"
	"github.com/dotheaven/heaven-content/pkg/refs"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "heaven.yaml"

type Config struct {
	DataDir       string `yaml:"dataDir"`
	MinimumFreeGB uint64 `yaml:"minimumFreeGB"`
	LogLevel      string `yaml:"logLevel"`

	AgentURLs   []string `yaml:"agentUrls"`
	GatewayURLs []string `yaml:"gatewayUrls"`
	UploadURL   string   `yaml:"uploadUrl"`
	UploadToken string   `yaml:"uploadToken"`

	IPFSGateways    []string `yaml:"ipfsGateways"`
	ArweaveGateways []string `yaml:"arweaveGateways"`
	LoadGateways    []string `yaml:"loadGateways"`

	HeavenRPC  string `yaml:"heavenRpc"`
	MainnetRPC string `yaml:"mainnetRpc"`
	RecordsRPC string `yaml:"recordsRpc"`

	HeavenRegistry string `yaml:"heavenRegistry"`
	HeavenNode     string `yaml:"heavenNode"`
	ENSRegistry    string `yaml:"ensRegistry"`
	NameRegistry   string `yaml:"nameRegistry"`
	Records        string `yaml:"records"`

	DiscoveryPageSize int `yaml:"discoveryPageSize"`
	BatchWorkers      int `yaml:"batchWorkers"`
}

// Load reads path (DefaultFile when empty), overlays HEAVEN_* environment
// variables and fills defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	return LoadWith(path, os.Getenv)
}

// LoadWith is Load with an injectable environment.
func LoadWith(path string, getenv func(string) string) (Config, error) { // A
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	var config Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalStrict(data, &config); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := config.overlayEnv(getenv); err != nil {
		return Config{}, err
	}
	config.applyDefaults()
	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return Config{}, fmt.Errorf("logLevel: %w", err)
	}
	return config, nil
}

func (c *Config) overlayEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = splitList(v)
		}
	}

	str("HEAVEN_DATA_DIR", &c.DataDir)
	str("HEAVEN_LOG_LEVEL", &c.LogLevel)
	list("HEAVEN_LOAD_AGENT_URL", &c.AgentURLs)
	list("HEAVEN_LOAD_GATEWAY_URL", &c.GatewayURLs)
	str("HEAVEN_LOAD_TURBO_UPLOAD_URL", &c.UploadURL)
	str("HEAVEN_LOAD_TURBO_TOKEN", &c.UploadToken)
	list("HEAVEN_IPFS_GATEWAY_URL", &c.IPFSGateways)
	list("HEAVEN_ARWEAVE_GATEWAY_URL", &c.ArweaveGateways)
	str("HEAVEN_RPC_URL", &c.HeavenRPC)
	str("HEAVEN_MAINNET_RPC_URL", &c.MainnetRPC)
	str("HEAVEN_TEMPO_RPC_URL", &c.RecordsRPC)

	if v := strings.TrimSpace(getenv("HEAVEN_MIN_FREE_GB")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("HEAVEN_MIN_FREE_GB: %w", err)
		}
		c.MinimumFreeGB = n
	}
	if v := strings.TrimSpace(getenv("HEAVEN_DISCOVERY_PAGE_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("HEAVEN_DISCOVERY_PAGE_SIZE: invalid value %q", v)
		}
		c.DiscoveryPageSize = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		c.DataDir = filepath.Join(base, "heaven", "content")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.AgentURLs) == 0 {
		c.AgentURLs = []string{loadnet.DefaultAgentURL}
	}
	if len(c.GatewayURLs) == 0 {
		c.GatewayURLs = []string{loadnet.DefaultGatewayURL}
	}
	if c.UploadURL == "" {
		c.UploadURL = loadnet.DefaultUploadURL
	}
	if c.UploadToken == "" {
		c.UploadToken = loadnet.DefaultUploadToken
	}
	if len(c.IPFSGateways) == 0 {
		c.IPFSGateways = []string{refs.DefaultIPFSGateway}
	}
	if len(c.ArweaveGateways) == 0 {
		c.ArweaveGateways = []string{refs.DefaultArweaveGateway}
	}
	if len(c.LoadGateways) == 0 {
		// the Load gateway list doubles as the ls3:// resolver
		c.LoadGateways = append([]string(nil), c.GatewayURLs...)
	}
	if c.HeavenRPC == "" {
		c.HeavenRPC = names.DefaultHeavenRPC
	}
	if c.MainnetRPC == "" {
		c.MainnetRPC = names.DefaultMainnetRPC
	}
	if c.RecordsRPC == "" {
		c.RecordsRPC = names.DefaultRecordsRPC
	}
	if c.HeavenRegistry == "" {
		c.HeavenRegistry = names.DefaultHeavenRegistry
	}
	if c.HeavenNode == "" {
		c.HeavenNode = names.DefaultHeavenNode
	}
	if c.ENSRegistry == "" {
		c.ENSRegistry = names.DefaultENSRegistry
	}
	if c.NameRegistry == "" {
		c.NameRegistry = names.DefaultNameRegistry
	}
	if c.Records == "" {
		c.Records = names.DefaultRecords
	}
	if c.DiscoveryPageSize <= 0 {
		c.DiscoveryPageSize = 8
	}
	if c.BatchWorkers <= 0 {
		c.BatchWorkers = 4
	}
}

// Logger builds the logger described by LogLevel.
func (c Config) Logger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
