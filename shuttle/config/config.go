package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6650"`
	DBPath     string `env:"DB_PATH, default=shuttle.db"`
	Dev        bool   `env:"DEV, default=false"`

	// directory of plugin manifests resolvable by steps
	PluginDir string `env:"PLUGIN_DIR, default=/var/lib/shuttle/plugins"`
}

type Cron struct {
	RedisAddr string        `env:"REDIS_ADDR, default=localhost:6379"`
	LockTTL   time.Duration `env:"LOCK_TTL, default=1m"`
}

type Jobs struct {
	QueueSize int `env:"QUEUE_SIZE, default=100"`

	// fallback step timeout in seconds when neither the tree nor the
	// job overrides it
	StepTimeout int `env:"STEP_TIMEOUT, default=3600"`
}

type Config struct {
	Server Server `env:",prefix=SHUTTLE_SERVER_"`
	Cron   Cron   `env:",prefix=SHUTTLE_CRON_"`
	Jobs   Jobs   `env:",prefix=SHUTTLE_JOBS_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
