// Package config holds the process settings read from the environment and
// the declarative configuration loader that seeds per-user replication
// setups at startup.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix is the prefix of every environment variable the server reads,
// e.g. FORGESYNC_HTTP_ADDR.
const envPrefix = "forgesync"

// Settings is the process configuration.
type Settings struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN    string `envconfig:"DB_DSN" default:"forgesync.db"`

	// SecretKey is the AEAD key protecting stored tokens, 32 bytes after
	// base64 or hex decoding. db.New decodes and installs it before the
	// connection opens.
	SecretKey string `envconfig:"SECRET_KEY" required:"true"`

	// AuthBaseURL is a comma-separated list of trusted external URLs. The
	// first entry is the primary; all entries are accepted as redirect
	// targets.
	AuthBaseURL string `envconfig:"AUTH_BASE_URL" default:"http://localhost:8080"`

	JWTPrivateKeyFile string `envconfig:"JWT_PRIVATE_KEY_FILE"`
	JWTPublicKeyFile  string `envconfig:"JWT_PUBLIC_KEY_FILE"`

	ScheduleCadence time.Duration `envconfig:"SCHEDULE_CADENCE" default:"30s"`

	// ConfigJSON is the optional declarative configuration block consumed
	// by the loader at startup.
	ConfigJSON string `envconfig:"CONFIG_JSON"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads Settings from the environment.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return nil, fmt.Errorf("config: read environment: %w", err)
	}
	if _, err := s.AuthBaseURLs(); err != nil {
		return nil, err
	}
	return &s, nil
}

// AuthBaseURLs parses the comma-separated trusted URL list. The first
// entry is the primary base.
func (s *Settings) AuthBaseURLs() ([]*url.URL, error) {
	parts := strings.Split(s.AuthBaseURL, ",")
	urls := make([]*url.URL, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		u, err := url.Parse(p)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("config: invalid auth base url %q", p)
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("config: auth base url list is empty")
	}
	return urls, nil
}

// PrimaryAuthBase returns the first trusted URL.
func (s *Settings) PrimaryAuthBase() *url.URL {
	urls, err := s.AuthBaseURLs()
	if err != nil {
		return &url.URL{Scheme: "http", Host: "localhost:8080"}
	}
	return urls[0]
}
