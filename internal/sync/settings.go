package sync

import "time"

// Settings controls sync behavior
type Settings struct {
	BackgroundSyncEnabled bool          `mapstructure:"background_sync_enabled" json:"background_sync_enabled"`
	SyncInterval          time.Duration `mapstructure:"sync_interval" json:"sync_interval"`

	// MaxRetries and RetryDelay govern outbox delivery; failed pushes are
	// retried on the next cycle rather than within one.
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" json:"retry_delay"`

	SyncOnLaunch    bool `mapstructure:"sync_on_launch" json:"sync_on_launch"`
	MaxItemsPerSync int  `mapstructure:"max_items_per_sync" json:"max_items_per_sync"`
}

// DefaultSettings returns the default sync settings
func DefaultSettings() Settings {
	return Settings{
		BackgroundSyncEnabled: true,
		SyncInterval:          5 * time.Minute,
		MaxRetries:            3,
		RetryDelay:            30 * time.Second,
		SyncOnLaunch:          true,
		MaxItemsPerSync:       500,
	}
}
