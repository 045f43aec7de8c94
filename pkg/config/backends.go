package config

import "fmt"

const (
	// DriverSQLite stores state in a local SQLite file.
	DriverSQLite = "sqlite"

	// DriverPostgres stores state in PostgreSQL.
	DriverPostgres = "postgres"

	// DriverMemory keeps state for the process lifetime only.
	DriverMemory = "memory"

	// BackendHuggingFace publishes to a Hugging Face Hub repository.
	BackendHuggingFace = "huggingface"

	// BackendS3 publishes to an S3-compatible bucket.
	BackendS3 = "s3"

	// SyncModeAll downloads every remote file.
	SyncModeAll = "all"

	// SyncModeRecent downloads files of the last sync.lookback_days days.
	SyncModeRecent = "recent"
)

// StateConfig selects where the watermark and pending uploads persist.
type StateConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// Validate checks the state driver settings.
func (s *StateConfig) Validate() error {
	switch s.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case DriverPostgres:
		if s.Postgres.Host == "" || s.Postgres.Database == "" {
			return fmt.Errorf("postgres.host and postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", s.Driver)
	}

	return nil
}

// PublishConfig selects the remote dataset store.
type PublishConfig struct {
	Backend     string            `yaml:"backend" mapstructure:"backend"`
	HuggingFace HuggingFaceConfig `yaml:"huggingface,omitempty" mapstructure:"huggingface"`
	S3          S3Config          `yaml:"s3,omitempty" mapstructure:"s3"`
}

// HuggingFaceConfig contains Hugging Face Hub repository settings.
type HuggingFaceConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Token    string `yaml:"token,omitempty" mapstructure:"token"`
	Repo     string `yaml:"repo" mapstructure:"repo"`
	RepoType string `yaml:"repo_type" mapstructure:"repo_type"`
	Revision string `yaml:"revision" mapstructure:"revision"`
}

// S3Config contains S3 bucket settings.
type S3Config struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
}

// Validate checks the selected backend has what it needs.
func (p *PublishConfig) Validate() error {
	switch p.Backend {
	case BackendHuggingFace:
		if p.HuggingFace.Repo == "" {
			return fmt.Errorf("huggingface.repo is required (or set HF_REPO)")
		}

		switch p.HuggingFace.RepoType {
		case "dataset", "model", "space":
		default:
			return fmt.Errorf("huggingface.repo_type %q is not one of dataset, model, space",
				p.HuggingFace.RepoType)
		}
	case BackendS3:
		if p.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}
	default:
		return fmt.Errorf("unsupported backend %q", p.Backend)
	}

	return nil
}
