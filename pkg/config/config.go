// Package config loads the orchestra node's configuration from the
// environment (and, optionally, a YAML file) the same way the original
// election-orchestra process read "EO_"-prefixed environment variables
// into its Flask config object.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server that exposes the Public API and
// the task-engine's own peer-to-peer endpoints.
type ServerConfig struct {
	Host string `yaml:"host" env:"EO_HOST"`
	Port int    `yaml:"port" env:"EO_PORT,default=8000"`
}

// DatabaseConfig controls the Postgres connection used by Persistence.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"EO_DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"EO_DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"EO_DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds" env:"EO_DATABASE_CONN_MAX_LIFETIME,default=300"`
}

// LoggingConfig controls the application logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"EO_LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"EO_LOG_FORMAT,default=text"`
}

// TLSConfig holds the TLS material used both for outbound mutual-TLS
// connections to peer authorities/callbacks and for comparing an
// inbound sender's certificate against our own ("am I the sender?").
type TLSConfig struct {
	CertPath   string `yaml:"cert_path" env:"EO_SSL_CERT_PATH"`
	KeyPath    string `yaml:"key_path" env:"EO_SSL_KEY_PATH"`
	CAListPath string `yaml:"ca_list_path" env:"EO_SSL_CALIST_PATH"`
	CertString string `yaml:"cert_string" env:"EO_SSL_CERT_STRING"`
}

// VforkConfig configures the public hint/signature servers the mixnet
// binaries dial back into during keygen and mix.
type VforkConfig struct {
	ServerURL           string `yaml:"server_url" env:"EO_VFORK_SERVER_URL,default=http://127.0.0.1"`
	ServerPortRange     string `yaml:"server_port_range" env:"EO_VFORK_SERVER_PORT_RANGE,default=8082"`
	HintServerSocket    string `yaml:"hint_server_socket" env:"EO_VFORK_HINT_SERVER_SOCKET,default=127.0.0.1"`
	HintServerPortRange string `yaml:"hint_server_port_range" env:"EO_VFORK_HINT_SERVER_PORT_RANGE,default=8084"`
}

// QueueOptions is the per-queue max-thread configuration required by
// spec.md's "QUEUES_OPTIONS" option.
type QueueOptions struct {
	LaunchTask        int `yaml:"launch_task" env:"EO_QUEUE_LAUNCH_TASK_THREADS,default=1"`
	OrchestraDirector int `yaml:"orchestra_director" env:"EO_QUEUE_ORCHESTRA_DIRECTOR_THREADS,default=4"`
	OrchestraPerformer int `yaml:"orchestra_performer" env:"EO_QUEUE_ORCHESTRA_PERFORMER_THREADS,default=4"`
	MixnetQueue       int `yaml:"mixnet_queue" env:"EO_QUEUE_MIXNET_THREADS,default=1"`
}

// Config is the top-level, read-mostly configuration struct threaded
// through request contexts rather than kept as a process-wide global.
type Config struct {
	RootURL                 string       `yaml:"root_url" env:"EO_ROOT_URL"`
	Server                  ServerConfig `yaml:"server"`
	Database                DatabaseConfig `yaml:"database"`
	Logging                 LoggingConfig  `yaml:"logging"`
	TLS                     TLSConfig      `yaml:"tls"`
	Vfork                   VforkConfig    `yaml:"vfork"`
	Queues                  QueueOptions   `yaml:"queues"`
	PrivateDataPath         string `yaml:"private_data_path" env:"EO_PRIVATE_DATA_PATH,default=./datastore/private"`
	PublicDataPath          string `yaml:"public_data_path" env:"EO_PUBLIC_DATA_PATH,default=./datastore/public"`
	PublicDataBaseURL       string `yaml:"public_data_base_url" env:"EO_PUBLIC_DATA_BASE_URL"`
	AllowOnlySSLConnections bool   `yaml:"allow_only_ssl_connections" env:"EO_ALLOW_ONLY_SSL_CONNECTIONS,default=true"`
	AutoAcceptRequests      bool   `yaml:"autoaccept_requests" env:"EO_AUTOACCEPT_REQUESTS,default=false"`
	KillVforkBeforeStart    bool   `yaml:"kill_all_vfork_before_start_new" env:"EO_KILL_ALL_VFORK_BEFORE_START_NEW,default=false"`
	MaxQuestionsPerElection int    `yaml:"max_num_questions_per_election" env:"EO_MAX_NUM_QUESTIONS_PER_ELECTION,default=40"`
	EnableMultipleTallies   bool   `yaml:"enable_multiple_tallies" env:"EO_ENABLE_MULTIPLE_TALLIES,default=false"`
	RedisURL                string `yaml:"redis_url" env:"EO_REDIS_URL"`
	NATSURL                 string `yaml:"nats_url" env:"EO_NATS_URL"`
}

// New returns a Config populated with the same defaults the original
// DefaultConfig class shipped.
func New() *Config {
	cfg := &Config{}
	// envdecode populates anything with a `default=` tag even if the
	// corresponding env var is unset, so a plain decode into a zero
	// value already recovers the documented defaults.
	_ = envdecode.StrictDecode(cfg)
	return cfg
}

// Load reads an optional .env file, an optional YAML file, and then
// environment variables, in that order of increasing precedence -
// mirroring configure_app()'s "env vars override the default config
// object" behavior.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", yamlPath, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", yamlPath, err)
			}
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("config: decoding environment: %w", err)
	}

	return cfg, nil
}

// Addr returns the host:port the HTTP server should bind to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// VforkServerURL mirrors the original get_server_url() helper.
func (c *Config) VforkServerURL() string {
	return fmt.Sprintf("%s:%s", c.Vfork.ServerURL, c.Vfork.ServerPortRange)
}

// VforkHintServerURL mirrors the original get_hint_server_url() helper.
func (c *Config) VforkHintServerURL() string {
	return fmt.Sprintf("%s:%s", c.Vfork.HintServerSocket, c.Vfork.HintServerPortRange)
}

// IsSelf reports whether the given orchestra URL refers to this node.
func (c *Config) IsSelf(orchestraURL string) bool {
	return strings.TrimRight(orchestraURL, "/") == strings.TrimRight(c.RootURL, "/")
}
