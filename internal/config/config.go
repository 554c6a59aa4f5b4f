package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models caseline.yml.
type Config struct {
	Database struct {
		Driver       string `yaml:"driver"`
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"max_open_conns"`
	} `yaml:"database"`
	Locking struct {
		LockTimeoutMS int `yaml:"lock_timeout_ms"`
		TxTimeoutMS   int `yaml:"tx_timeout_ms"`
	} `yaml:"locking"`
	CaseTypes  map[string]CaseTypeConfig `yaml:"case_types"`
	References struct {
		Mailshot ReferenceFormat `yaml:"mailshot"`
	} `yaml:"references"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type CaseTypeConfig struct {
	DocumentKind    string            `yaml:"document_kind"`
	Case            ReferenceFormat   `yaml:"case_reference"`
	Document        ReferenceFormat   `yaml:"document_reference"`
	ProcessPrefixes map[string]string `yaml:"process_prefixes"`
	Electronic      *bool             `yaml:"electronic_licence"`
}

type ReferenceFormat struct {
	Prefix    string `yaml:"prefix"`
	UseYear   *bool  `yaml:"use_year"`
	MinDigits int    `yaml:"min_digits"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Events      []string `yaml:"events"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var knownEvents = map[string]struct{}{
	"submit": {}, "take_ownership": {}, "release_ownership": {}, "request_update": {},
	"respond_update": {}, "complete": {}, "withdraw": {}, "reopen": {}, "stop": {},
	"acknowledge": {}, "request_variation": {}, "revoke": {}, "cancel": {},
	"start_authorisation": {}, "cancel_authorisation": {}, "*": {},
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with caseline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required for postgres")
	}
	if c.Locking.LockTimeoutMS < 0 || c.Locking.TxTimeoutMS < 0 {
		return fmt.Errorf("config.locking timeouts must not be negative")
	}
	for name, ct := range c.CaseTypes {
		switch name {
		case "import", "export", "access":
		default:
			return fmt.Errorf("config.case_types has unknown case type %s", name)
		}
		switch ct.DocumentKind {
		case "", "licence", "certificate":
		default:
			return fmt.Errorf("case type %s has unknown document kind %s", name, ct.DocumentKind)
		}
		if ct.Case.MinDigits < 0 || ct.Document.MinDigits < 0 {
			return fmt.Errorf("case type %s has negative min_digits", name)
		}
		for process, prefix := range ct.ProcessPrefixes {
			if process == "" || prefix == "" {
				return fmt.Errorf("case type %s has empty process prefix entry", name)
			}
		}
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, evt := range role.Events {
			if _, ok := knownEvents[evt]; !ok {
				return fmt.Errorf("role %s allows unknown event %s", roleID, evt)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config.kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("config.kafka.topic is required when kafka is enabled")
		}
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.logging.format must be json or text")
	}
	return nil
}

// LockTimeout is the bounded wait for a case lock.
func (c *Config) LockTimeout() time.Duration {
	if c == nil || c.Locking.LockTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Locking.LockTimeoutMS) * time.Millisecond
}

// TxTimeout bounds a whole locked transaction.
func (c *Config) TxTimeout() time.Duration {
	if c == nil || c.Locking.TxTimeoutMS == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Locking.TxTimeoutMS) * time.Millisecond
}

// AllowedEvents returns the events a set of roles may trigger. ok is false when RBAC is not configured.
func (c *Config) AllowedEvents(roles []string) (events map[string]struct{}, ok bool) {
	if c == nil || len(c.RBAC.Roles) == 0 {
		return nil, false
	}
	events = make(map[string]struct{})
	for _, roleID := range roles {
		role, found := c.RBAC.Roles[roleID]
		if !found {
			continue
		}
		for _, evt := range role.Events {
			events[evt] = struct{}{}
		}
	}
	return events, true
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  driver: sqlite

locking:
  lock_timeout_ms: 5000
  tx_timeout_ms: 30000

case_types:
  import:
    document_kind: licence
    case_reference:
      prefix: IMA
      use_year: true
      min_digits: 5
    document_reference:
      prefix: SIL
      min_digits: 7
    electronic_licence: true
    process_prefixes:
      sanctions: SAN
      fa-oil: OIL
      fa-dfl: SIL
      fa-sil: SIL
      textiles: TEX
      sps: AOG
  export:
    document_kind: certificate
    case_reference:
      prefix: CA
      use_year: true
      min_digits: 5
    document_reference:
      prefix: CFS
      use_year: true
      min_digits: 5
    process_prefixes:
      cfs: CFS
      com: COM
      gmp: GMP
  access:
    case_reference:
      prefix: IAR
      use_year: false
      min_digits: 1

references:
  mailshot:
    prefix: MAIL
    use_year: false
    min_digits: 1

rbac:
  roles:
    applicant:
      description: "Prepares and submits applications"
      events: [submit, respond_update, withdraw, acknowledge, request_variation, cancel]
    case_officer:
      description: "Processes submitted cases"
      events: [take_ownership, release_ownership, request_update, complete, withdraw, stop, reopen, request_variation,
        start_authorisation, cancel_authorisation]
    admin:
      description: "Full lifecycle control"
      events: ["*"]

logging:
  level: info
  format: json
`
