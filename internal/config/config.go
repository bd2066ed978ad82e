package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Database   DatabaseConfig   `yaml:"database"`
	Roster     RosterConfig     `yaml:"roster"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Gallery    GalleryConfig    `yaml:"gallery"`
	Auth       AuthConfig       `yaml:"auth"`
	Web        WebConfig        `yaml:"web"`
}

type EmbeddingConfig struct {
	URL          string `yaml:"url"`            // Face embedding server
	Dim          int    `yaml:"dim"`            // Embedding length
	MaxImageSize int    `yaml:"max_image_size"` // Longer edge before upload, 0 disables resizing
}

type DatabaseConfig struct {
	URL          string `yaml:"-"` // PostgreSQL connection URL, empty runs in memory
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RosterConfig struct {
	DatabaseURL string `yaml:"-"`     // MariaDB DSN (e.g., user:pass@tcp(mariadb:3306)/school)
	Table       string `yaml:"table"` // Table with roll_number and name columns
}

type AttendanceConfig struct {
	Threshold       float64       `yaml:"threshold"`        // Maximum cosine distance for a match (inclusive)
	AmbiguityMargin float64       `yaml:"ambiguity_margin"` // Distance window treated as a tie
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	SessionDuration time.Duration `yaml:"session_duration"` // Default session length, 0 means open-ended
	MatchIndex      string        `yaml:"match_index"`      // exhaustive or hnsw
	IndexShortlist  int           `yaml:"index_shortlist"`
	MaxRejections   int           `yaml:"max_rejections"`
}

type GalleryConfig struct {
	MaxEmbeddings int `yaml:"max_embeddings"` // Per identity, 0 means unlimited
}

type AuthConfig struct {
	JWTKey   string        `yaml:"-"` // Empty disables authentication
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// envInt reads an environment variable and parses it as a non-negative integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a non-negative float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a Go duration (e.g. "5s").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList reads a comma separated environment variable.
func envList(key string, defaultVal []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Defaults returns the configuration embedded in the binary.
func Defaults() Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return cfg
}

// Load returns the embedded defaults overridden by environment variables.
func Load() *Config {
	d := Defaults()

	return &Config{
		Embedding: EmbeddingConfig{
			URL:          envString("EMBEDDING_URL", d.Embedding.URL),
			Dim:          envInt("EMBEDDING_DIM", d.Embedding.Dim),
			MaxImageSize: envInt("EMBEDDING_MAX_IMAGE_SIZE", d.Embedding.MaxImageSize),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", d.Database.MaxOpenConns),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", d.Database.MaxIdleConns),
		},
		Roster: RosterConfig{
			DatabaseURL: os.Getenv("ROSTER_DATABASE_URL"),
			Table:       envString("ROSTER_TABLE", d.Roster.Table),
		},
		Attendance: AttendanceConfig{
			Threshold:       envFloat("ATTENDANCE_THRESHOLD", d.Attendance.Threshold),
			AmbiguityMargin: envFloat("ATTENDANCE_AMBIGUITY_MARGIN", d.Attendance.AmbiguityMargin),
			Workers:         envInt("ATTENDANCE_WORKERS", d.Attendance.Workers),
			QueueSize:       envInt("ATTENDANCE_QUEUE_SIZE", d.Attendance.QueueSize),
			ProbeTimeout:    envDuration("ATTENDANCE_PROBE_TIMEOUT", d.Attendance.ProbeTimeout),
			SessionDuration: envDuration("ATTENDANCE_SESSION_DURATION", d.Attendance.SessionDuration),
			MatchIndex:      envString("ATTENDANCE_MATCH_INDEX", d.Attendance.MatchIndex),
			IndexShortlist:  envInt("ATTENDANCE_INDEX_SHORTLIST", d.Attendance.IndexShortlist),
			MaxRejections:   envInt("ATTENDANCE_MAX_REJECTIONS", d.Attendance.MaxRejections),
		},
		Gallery: GalleryConfig{
			MaxEmbeddings: envInt("GALLERY_MAX_EMBEDDINGS", d.Gallery.MaxEmbeddings),
		},
		Auth: AuthConfig{
			JWTKey:   os.Getenv("AUTH_JWT_KEY"),
			TokenTTL: envDuration("AUTH_TOKEN_TTL", d.Auth.TokenTTL),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", d.Web.Host),
			Port:           envInt("WEB_PORT", d.Web.Port),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS", d.Web.AllowedOrigins),
		},
	}
}

// Validate reports settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Embedding.Dim <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIM must be positive"))
	}
	if c.Attendance.Threshold > 2 {
		errs = append(errs, fmt.Errorf("ATTENDANCE_THRESHOLD %.3f exceeds the maximum cosine distance 2", c.Attendance.Threshold))
	}
	switch c.Attendance.MatchIndex {
	case "exhaustive", "hnsw":
	default:
		errs = append(errs, fmt.Errorf("ATTENDANCE_MATCH_INDEX must be exhaustive or hnsw, got %q", c.Attendance.MatchIndex))
	}
	if c.Attendance.Workers <= 0 {
		errs = append(errs, errors.New("ATTENDANCE_WORKERS must be positive"))
	}
	return errors.Join(errs...)
}
