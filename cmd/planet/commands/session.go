package commands

import (
	"context"
	"fmt"

	"github.com/planetlabs/planet-client-go/pkg/auth"
	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/planet"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// withClient runs fn with a client built from the resolved configuration and
// closes it afterwards.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, pl *planet.Client) error) error {
	key := a.v.GetString("api_key")
	if key == "" {
		return &UsageError{Err: fmt.Errorf("%w: set --api-key, PL_API_KEY or api_key in the config file", auth.ErrNoCredentials)}
	}

	cfg := client.DefaultConfig(auth.NewAPIKey(key))
	cfg.BaseURL = a.v.GetString("base_url")
	cfg.MaxInFlight = a.v.GetInt64("max_in_flight")
	cfg.Retry.MaxAttempts = a.v.GetInt("retry_max_attempts")
	if backoff := a.v.GetDuration("retry_max_backoff"); backoff > 0 {
		cfg.Retry.MaxBackoff = backoff
		if cfg.Retry.InitialBackoff > backoff {
			cfg.Retry.InitialBackoff = backoff
		}
	}

	if raw := a.v.GetString("redis_url"); raw != "" {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return usageErrorf("invalid redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		cfg.Redis = rdb
	}

	session, err := client.New(cfg)
	if err != nil {
		// Every New failure stems from the configuration.
		return &UsageError{Err: err}
	}

	ctx := cmd.Context()
	runErr := fn(ctx, planet.New(session))
	// Close waits for open streams; a cancelled command context must not
	// keep it from releasing them.
	if err := session.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
