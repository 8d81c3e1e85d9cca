// Package config handles loading and validation of service configuration.
// Supports both development (env vars) and production (Secret Manager) modes.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"gopkg.in/yaml.v3"

	"cartsync/internal/transport"
)

// Repository kinds.
const (
	RepoMemory    = "memory"
	RepoFirestore = "firestore"
	RepoPostgres  = "postgres"
)

// Config holds the cartd server configuration.
// Environment determines whether secrets load from env vars (development) or Secret Manager (production).
type Config struct {
	// Server settings
	Port        string `json:"port" yaml:"port"`
	Environment string `json:"environment" yaml:"environment"` // "development" or "production"
	LogLevel    string `json:"log_level" yaml:"log_level"`     // "debug", "info", "warn", "error"

	// GCP settings (required in production)
	GCPProject string `json:"gcp_project" yaml:"gcp_project"`
	SecretID   string `json:"secret_id" yaml:"secret_id"`

	// Repository is one of memory, firestore, postgres.
	Repository string          `json:"repository" yaml:"repository"`
	Firestore  FirestoreConfig `json:"firestore" yaml:"firestore"`

	// CatalogFile is a JSON or YAML product list. Empty serves the demo catalog.
	CatalogFile string `json:"catalog_file" yaml:"catalog_file"`

	OIDC OIDCConfig `json:"oidc" yaml:"oidc"`

	// Secrets are loaded from Secret Manager in production.
	Secrets Secrets `json:"secrets" yaml:"secrets"`
}

// FirestoreConfig selects the Firestore project.
type FirestoreConfig struct {
	ProjectID       string `json:"project_id" yaml:"project_id"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
}

// OIDCConfig enables ID token verification for bearer tokens.
type OIDCConfig struct {
	Issuer   string `json:"issuer" yaml:"issuer"`
	ClientID string `json:"client_id" yaml:"client_id"`
}

// Enabled reports whether OIDC verification is configured.
func (o OIDCConfig) Enabled() bool {
	return o.Issuer != ""
}

// Secrets holds credentials that must not live in plain config in production.
type Secrets struct {
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`
	// StaticTokens maps opaque bearer tokens to user ids.
	StaticTokens map[string]string `json:"static_tokens" yaml:"static_tokens"`
}

// Load reads configuration from file, environment, or Secret Manager.
// Priority: CONFIG_FILE (if set) → ENV vars / Secret Manager.
// Validates all required fields and returns an error if any are missing.
func Load(ctx context.Context) (*Config, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromFile(configPath)
	}

	cfg := &Config{
		Port:        envOrDefault("PORT", "8080"),
		Environment: envOrDefault("ENVIRONMENT", "development"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		GCPProject:  os.Getenv("GCP_PROJECT"),
		SecretID:    envOrDefault("SECRET_ID", "cartd"),
		Repository:  envOrDefault("REPOSITORY", RepoMemory),
		CatalogFile: os.Getenv("CATALOG_FILE"),
		Firestore: FirestoreConfig{
			ProjectID:       os.Getenv("FIRESTORE_PROJECT"),
			CredentialsFile: os.Getenv("FIRESTORE_CREDENTIALS_FILE"),
		},
		OIDC: OIDCConfig{
			Issuer:   os.Getenv("OIDC_ISSUER"),
			ClientID: os.Getenv("OIDC_CLIENT_ID"),
		},
	}

	var err error
	if cfg.Environment == "production" {
		if cfg.GCPProject == "" {
			return nil, fmt.Errorf("GCP_PROJECT required in production environment")
		}
		err = cfg.loadFromSecretManager(ctx)
	} else {
		err = cfg.loadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("loading secrets: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile reads all configuration from a JSON or YAML file.
// Used for local development to avoid multiple ENV vars.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Port = withDefault(cfg.Port, "8080")
	cfg.Environment = withDefault(cfg.Environment, "development")
	cfg.LogLevel = withDefault(cfg.LogLevel, "info")
	cfg.Repository = withDefault(cfg.Repository, RepoMemory)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Firestore.ProjectID == "" {
		c.Firestore.ProjectID = c.GCPProject
	}
}

// withDefault returns val if non-empty, otherwise defaultVal.
func withDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

// loadFromSecretManager fetches Secrets from GCP Secret Manager.
// Secret name format: projects/{project}/secrets/{secret_id}/versions/latest
func (c *Config) loadFromSecretManager(ctx context.Context) error {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating secret manager client: %w", err)
	}
	defer client.Close()

	secretName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest",
		c.GCPProject, c.SecretID)

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName,
	})
	if err != nil {
		return fmt.Errorf("accessing secret %s: %w", secretName, err)
	}

	if err := json.Unmarshal(result.Payload.Data, &c.Secrets); err != nil {
		return fmt.Errorf("parsing secret JSON: %w", err)
	}
	return nil
}

// loadFromEnv reads Secrets from individual environment variables.
func (c *Config) loadFromEnv() error {
	c.Secrets.PostgresDSN = os.Getenv("POSTGRES_DSN")

	// STATIC_TOKENS is a JSON object of token → user id.
	if tokensJSON := os.Getenv("STATIC_TOKENS"); tokensJSON != "" {
		if err := json.Unmarshal([]byte(tokensJSON), &c.Secrets.StaticTokens); err != nil {
			return fmt.Errorf("parsing STATIC_TOKENS JSON: %w", err)
		}
	}
	return nil
}

// validate checks that all required configuration fields are present.
func (c *Config) validate() error {
	if n, err := strconv.Atoi(c.Port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", c.Port)
	}

	switch c.Repository {
	case RepoMemory:
	case RepoFirestore:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore project_id is required for the firestore repository")
		}
	case RepoPostgres:
		if c.Secrets.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for the postgres repository")
		}
	default:
		return fmt.Errorf("unknown repository %q (memory, firestore or postgres)", c.Repository)
	}

	if c.OIDC.Enabled() {
		if c.OIDC.ClientID == "" {
			return fmt.Errorf("oidc client_id is required when issuer is set")
		}
		if _, err := url.ParseRequestURI(c.OIDC.Issuer); err != nil {
			return fmt.Errorf("invalid oidc issuer: %w", err)
		}
	}
	if !c.OIDC.Enabled() && len(c.Secrets.StaticTokens) == 0 {
		return fmt.Errorf("no authentication configured: set oidc issuer or static_tokens")
	}
	return nil
}

// ClientConfig holds cartctl settings.
type ClientConfig struct {
	Server    string
	DBPath    string
	Transport transport.Kind
}

// LoadClient reads cartctl settings from CARTCTL_* environment variables.
func LoadClient() (*ClientConfig, error) {
	kind, err := transport.ParseKind(envOrDefault("CARTCTL_TRANSPORT", "standard"))
	if err != nil {
		return nil, err
	}

	dbPath := os.Getenv("CARTCTL_DB")
	if dbPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locating config dir: %w", err)
		}
		dbPath = filepath.Join(dir, "cartsync", "cartctl.db")
	}

	cfg := &ClientConfig{
		Server:    strings.TrimSuffix(envOrDefault("CARTCTL_SERVER", "http://localhost:8080"), "/"),
		DBPath:    dbPath,
		Transport: kind,
	}

	u, err := url.Parse(cfg.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid CARTCTL_SERVER %q", cfg.Server)
	}
	return cfg, nil
}

// envOrDefault returns the environment variable value or the default if not set.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
