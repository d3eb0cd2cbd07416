package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers/imap"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// EnvPrefix is prepended to environment overrides, e.g. MAILSYNC_HTTP_ADDR
const EnvPrefix = "MAILSYNC"

// StorageConfig selects the local database
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// HTTPConfig configures the control API
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// JWKSURL enables bearer token auth when set
	JWKSURL string `mapstructure:"jwks_url"`
}

// AccountConfig describes one mail account to sync
type AccountConfig struct {
	ID string `mapstructure:"id"`
	// Provider is one of GOOGLE, MICROSOFT or IMAP
	Provider mailsync.ProviderName `mapstructure:"provider"`
	// UserJWT authenticates token requests to the auth server (OAuth providers)
	UserJWT string     `mapstructure:"user_jwt"`
	IMAP    IMAPConfig `mapstructure:"imap"`
}

// IMAPConfig is the IMAP account section. The password is looked up in the
// credential store under PasswordKey.
type IMAPConfig struct {
	imap.Config `mapstructure:",squash"`
	PasswordKey string `mapstructure:"password_key"`
}

// Config is the top-level application configuration
type Config struct {
	Storage        StorageConfig     `mapstructure:"storage"`
	NATS           natsjs.Config     `mapstructure:"nats"`
	HTTP           HTTPConfig        `mapstructure:"http"`
	AuthServerURL  string            `mapstructure:"auth_server_url"`
	CredentialsDir string            `mapstructure:"credentials_dir"`
	Sync           mailsync.Settings `mapstructure:"sync"`
	Accounts       []AccountConfig   `mapstructure:"accounts"`
}

// DefaultPath returns ~/.config/mailsync/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// Loader reads the config file and watches it for changes
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a viper instance for path with defaults and
// environment overrides
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := mailsync.DefaultSettings()
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", filepath.Join("data", "mailsync.db"))
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", natsjs.DefaultStream)
	v.SetDefault("nats.max_age", 30*24*time.Hour)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.jwks_url", "")
	v.SetDefault("auth_server_url", "http://localhost:3000")
	v.SetDefault("credentials_dir", "")
	v.SetDefault("sync.background_sync_enabled", d.BackgroundSyncEnabled)
	v.SetDefault("sync.sync_interval", d.SyncInterval)
	v.SetDefault("sync.max_retries", d.MaxRetries)
	v.SetDefault("sync.retry_delay", d.RetryDelay)
	v.SetDefault("sync.sync_on_launch", d.SyncOnLaunch)
	v.SetDefault("sync.max_items_per_sync", d.MaxItemsPerSync)

	return &Loader{v: v}
}

// Load reads the config. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", l.v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", l.v.ConfigFileUsed(), err)
	}
	cfg.applyAccountDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the reloaded config whenever the file is written.
// Reload errors are passed to onErr and the previous config stays in effect.
func (l *Loader) Watch(fn func(*Config), onErr func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Load is a shorthand for NewLoader(path).Load()
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// applyAccountDefaults fills per-account values viper cannot default
// inside a list
func (c *Config) applyAccountDefaults() {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Provider = mailsync.ProviderName(strings.ToUpper(string(a.Provider)))
		if a.Provider != mailsync.ProviderIMAP {
			continue
		}
		im := &a.IMAP
		if im.Port == "" {
			im.Port = "143"
			if im.TLS {
				im.Port = "993"
			}
		}
		if im.SMTPHost == "" {
			im.SMTPHost = im.Host
		}
		if im.SMTPPort == "" {
			im.SMTPPort = "587"
			if im.TLS {
				im.SMTPPort = "465"
			}
		}
		if im.PasswordKey == "" {
			im.PasswordKey = "imap:" + a.ID
		}
	}
}

// Validate checks account entries
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d]: missing id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true

		switch a.Provider {
		case mailsync.ProviderGoogle, mailsync.ProviderMicrosoft:
			if a.UserJWT == "" {
				return fmt.Errorf("account %s: user_jwt is required for %s", a.ID, a.Provider)
			}
		case mailsync.ProviderIMAP:
			if a.IMAP.Host == "" || a.IMAP.Username == "" {
				return fmt.Errorf("account %s: imap host and username are required", a.ID)
			}
		default:
			return fmt.Errorf("account %s: unknown provider %q", a.ID, a.Provider)
		}
	}
	return nil
}
