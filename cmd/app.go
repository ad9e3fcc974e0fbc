package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"invoicedesk/internal/actions"
	"invoicedesk/internal/api"
	"invoicedesk/internal/cache"
	"invoicedesk/internal/listing"
	"invoicedesk/internal/metrics"
	"invoicedesk/internal/socket"
)

// rowHighlight is how long a live-updated row stays marked.
const rowHighlight = 1500 * time.Millisecond

// app bundles the collaborators a command needs.
type app struct {
	baseURL string
	timeout time.Duration
	client  *api.Client
	metrics *metrics.Metrics
	log     zerolog.Logger
	closers []func() error
}

// newApp builds the API client from configuration and persistent flags.
// Responses are cached in Redis when REDIS_URL is set and in memory
// otherwise; a CACHE_TTL of 0 disables caching.
func newApp(ctx context.Context, cmd *cobra.Command, log zerolog.Logger) (*app, error) {
	baseURL, _ := cmd.Flags().GetString("api-url")
	if strings.TrimSpace(baseURL) == "" {
		baseURL = cfg.APIBaseURL
	}

	a := &app{
		baseURL: baseURL,
		timeout: commandTimeout(cmd),
		metrics: metrics.New(),
		log:     log,
	}

	opts := []api.Option{
		api.WithTimeout(a.timeout),
		api.WithMetrics(a.metrics),
		api.WithUserAgent("invoicedesk/" + version),
	}

	switch {
	case cfg.CacheTTL <= 0:
		log.Debug().Msg("Response cache disabled")
	case cfg.RedisURL != "":
		store, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.RedisPrefix, cfg.CacheTTL)
		if err != nil {
			log.Warn().
				Err(err).
				Msg("Redis unavailable, falling back to in-memory cache")
			opts = append(opts, api.WithCache(cache.NewMemory(cfg.CacheTTL)))
			break
		}
		a.closers = append(a.closers, store.Close)
		opts = append(opts, api.WithCache(store))
	default:
		opts = append(opts, api.WithCache(cache.NewMemory(cfg.CacheTTL)))
	}

	client, err := api.NewClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	a.client = client

	log.Debug().
		Str("api_url", client.BaseURL()).
		Dur("timeout", a.timeout).
		Msg("API client ready")
	return a, nil
}

// Close releases the cache connection, if any.
func (a *app) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close resource")
		}
	}
}

// socketManager builds a manager for the configured namespace.
func (a *app) socketManager(onHealth func(socket.Health)) (*socket.Manager, error) {
	sc := socket.DefaultConfig(a.baseURL)
	sc.Path = cfg.SocketPath
	sc.Namespace = cfg.SocketNamespace
	sc.ReconnectAttempts = cfg.SocketReconnectAttempts
	sc.ReconnectDelay = cfg.SocketReconnectDelay
	sc.Metrics = a.metrics
	sc.OnHealthChange = onHealth
	return socket.NewManager(sc)
}

// listController returns a list controller over the API client.
func (a *app) listController(onChange func(listing.State)) *listing.Controller {
	debounce := cfg.SearchDebounce
	if debounce == 0 {
		debounce = -1
	}
	return listing.New(a.client, listing.Options{
		PageSize:  cfg.DefaultPageSize,
		Debounce:  debounce,
		Highlight: rowHighlight,
		OnChange:  onChange,
	})
}

// actionController returns an action controller. lookup may be nil.
func (a *app) actionController(lookup actions.StatusLookup) *actions.Controller {
	return actions.NewController(a.client, actions.Options{
		Lookup:      lookup,
		Concurrency: cfg.BulkConcurrency,
		Metrics:     a.metrics,
	})
}

func commandTimeout(cmd *cobra.Command) time.Duration {
	if secs, _ := cmd.Flags().GetInt("timeout"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return cfg.RequestTimeout
}
