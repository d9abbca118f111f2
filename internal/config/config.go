package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cachesync/cachesync/internal/metadata"
	"github.com/cachesync/cachesync/internal/primarykey"
)

const (
	SinkRedis   = "redis"
	SinkJournal = "journal"
	SinkLog     = "log"
)

type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Entities    []EntityConfig    `mapstructure:"entities"`
	Resolver    ResolverConfig    `mapstructure:"resolver"`
	Sink        SinkConfig        `mapstructure:"sink"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type ReplicationConfig struct {
	SlotName          string        `mapstructure:"slot_name"`
	PublicationName   string        `mapstructure:"publication_name"`
	CreatePublication bool          `mapstructure:"create_publication"`
	StandbyTimeout    time.Duration `mapstructure:"standby_timeout"`
	// Messages requests pg_logical_emit_message events from pgoutput.
	Messages bool `mapstructure:"messages"`
}

type KeyFieldConfig struct {
	Field  string `mapstructure:"field"`
	Column string `mapstructure:"column"`
}

type EntityConfig struct {
	Type       string           `mapstructure:"type"`
	Kind       string           `mapstructure:"kind"`
	Schema     string           `mapstructure:"schema"`
	Table      string           `mapstructure:"table"`
	KeyColumns []string         `mapstructure:"key_columns"`
	KeyFields  []KeyFieldConfig `mapstructure:"key_fields"`
	Cached     bool             `mapstructure:"cached"`
	Indexed    bool             `mapstructure:"indexed"`
}

type ResolverConfig struct {
	Scope             string `mapstructure:"scope"`
	Dedup             bool   `mapstructure:"dedup"`
	AfterImage        bool   `mapstructure:"after_image"`
	Parallelism       int    `mapstructure:"parallelism"`
	ParallelThreshold int    `mapstructure:"parallel_threshold"`
}

type SinkConfig struct {
	Kinds []string        `mapstructure:"kinds"`
	Redis RedisSinkConfig `mapstructure:"redis"`
}

type RedisSinkConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Prefix    string `mapstructure:"prefix"`
	BatchSize int    `mapstructure:"batch_size"`
}

// StorageConfig locates the bbolt file holding the eviction journal and the
// replication checkpoint.
type StorageConfig struct {
	Path string `mapstructure:"path"`
	// Retention is the number of journal entries kept; 0 keeps all.
	Retention int `mapstructure:"retention"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks required settings and fills in defaults.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}

	if c.Replication.SlotName == "" {
		c.Replication.SlotName = "cachesync_slot"
	}
	if c.Replication.PublicationName == "" {
		c.Replication.PublicationName = "cachesync_pub"
	}
	if c.Replication.StandbyTimeout <= 0 {
		c.Replication.StandbyTimeout = 10 * time.Second
	}

	if len(c.Entities) == 0 {
		return fmt.Errorf("at least one entity is required")
	}
	for i := range c.Entities {
		if err := c.Entities[i].validate(); err != nil {
			return fmt.Errorf("entities[%d]: %w", i, err)
		}
	}

	if c.Resolver.Scope == "" {
		c.Resolver.Scope = string(metadata.ScopeCache)
	}
	switch metadata.Scope(c.Resolver.Scope) {
	case metadata.ScopeCache, metadata.ScopeIndex:
	default:
		return fmt.Errorf("invalid resolver scope: %s (valid options: cache, index)", c.Resolver.Scope)
	}
	if c.Resolver.Parallelism < 0 || c.Resolver.ParallelThreshold < 0 {
		return fmt.Errorf("resolver.parallelism and resolver.parallel_threshold must not be negative")
	}

	if len(c.Sink.Kinds) == 0 {
		c.Sink.Kinds = []string{SinkLog}
	}
	for _, kind := range c.Sink.Kinds {
		switch kind {
		case SinkRedis:
			if c.Sink.Redis.Addr == "" {
				return fmt.Errorf("sink.redis.addr is required for the redis sink")
			}
		case SinkJournal, SinkLog:
		default:
			return fmt.Errorf("invalid sink kind: %s (valid options: redis, journal, log)", kind)
		}
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "cachesync.db"
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format: %s (valid options: json, console)", c.Log.Format)
	}

	return nil
}

func (e *EntityConfig) validate() error {
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Table == "" {
		return fmt.Errorf("table is required for entity %s", e.Type)
	}
	if e.Schema == "" {
		e.Schema = "public"
	}
	if e.Kind == "" {
		e.Kind = string(metadata.KindEntity)
	}
	switch metadata.Kind(e.Kind) {
	case metadata.KindEntity, metadata.KindCollection:
	default:
		return fmt.Errorf("invalid kind %s for entity %s", e.Kind, e.Type)
	}
	if len(e.KeyColumns) > 0 && len(e.KeyFields) > 0 {
		return fmt.Errorf("entity %s sets both key_columns and key_fields", e.Type)
	}
	for _, f := range e.KeyFields {
		if f.Field == "" || f.Column == "" {
			return fmt.Errorf("entity %s has a key field without field or column", e.Type)
		}
	}
	return nil
}

// Entity converts the configured entity to metadata. Composite keys declared
// through key_fields are assembled into Records.
func (e EntityConfig) Entity() metadata.Entity {
	entity := metadata.Entity{
		Type:       e.Type,
		Kind:       metadata.Kind(e.Kind),
		Schema:     e.Schema,
		Table:      e.Table,
		KeyColumns: e.KeyColumns,
		Cached:     e.Cached,
		Indexed:    e.Indexed,
	}
	if len(e.KeyFields) > 0 {
		names := make([]string, len(e.KeyFields))
		entity.KeyFields = make([]primarykey.KeyColumn, len(e.KeyFields))
		for i, f := range e.KeyFields {
			names[i] = f.Field
			entity.KeyFields[i] = primarykey.KeyColumn{Field: f.Field, Column: f.Column}
		}
		entity.ValueType = primarykey.NewRecordType(e.Type, names...)
	}
	return entity
}

func (c *Config) MetadataEntities() []metadata.Entity {
	entities := make([]metadata.Entity, len(c.Entities))
	for i, e := range c.Entities {
		entities[i] = e.Entity()
	}
	return entities
}

// PublicationTables returns the distinct schema.table names referenced by the
// configured entities, in first-seen order. Names keep the case they were
// configured with; entries differing only in case are listed once.
func (c *Config) PublicationTables() []string {
	seen := make(map[string]bool)
	var tables []string
	for _, e := range c.Entities {
		key := metadata.QualifiedName(e.Schema, e.Table)
		if seen[key] {
			continue
		}
		seen[key] = true
		tables = append(tables, e.Schema+"."+e.Table)
	}
	return tables
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}
