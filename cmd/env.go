package main

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/classify-cli/internal/classify"
	"github.com/sells-group/classify-cli/internal/config"
	"github.com/sells-group/classify-cli/internal/cost"
	"github.com/sells-group/classify-cli/internal/engine"
	"github.com/sells-group/classify-cli/internal/fetcher"
	"github.com/sells-group/classify-cli/internal/ledger"
	"github.com/sells-group/classify-cli/internal/lock"
	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/resilience"
	"github.com/sells-group/classify-cli/internal/store"
	"github.com/sells-group/classify-cli/pkg/anthropic"
)

// Exit codes for failures a caller may want to script around.
const (
	exitFailure    = 1
	exitNotFound   = 2
	exitIntegrity  = 3
	exitContention = 4
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrIntegrity):
		return exitIntegrity
	case errors.Is(err, engine.ErrContention):
		return exitContention
	case errors.Is(err, engine.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		return exitNotFound
	default:
		return exitFailure
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.Path)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// openStore validates cfg for mode and opens the store.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return initStore(ctx)
}

// initLocker builds the configured lock backend. The returned close func
// releases any backend connection.
func initLocker(st store.Store, force bool) (lock.Locker, func(), error) {
	opts := lock.Options{StaleAfter: cfg.Lock.StaleAfter, Force: force}
	switch cfg.Lock.Backend {
	case "", "store":
		return lock.NewStoreLocker(st, opts), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return lock.NewRedisLocker(rdb, cfg.Redis.KeyPrefix, opts), func() { rdb.Close() }, nil //nolint:errcheck
	default:
		return nil, nil, eris.Errorf("unsupported lock backend: %s", cfg.Lock.Backend)
	}
}

func initHTTPFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:         cfg.Fetch.UserAgent,
		Timeout:           cfg.Fetch.Timeout,
		MaxRetries:        cfg.Fetch.MaxRetries,
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		MaxBytes:          cfg.Fetch.MaxBytes,
	})
}

// classifierFactory builds Claude classifiers from a job's frozen config.
// The API client is shared; retries are left to the engine.
func classifierFactory() engine.ClassifierFactory {
	client := anthropic.NewClient(cfg.Anthropic.Key, anthropic.ClientOptions{
		BaseURL: cfg.Anthropic.BaseURL,
		Timeout: cfg.Anthropic.Timeout,
	})
	calc := cost.NewCalculator(cfg.Pricing.Rates())
	return func(jc model.JobConfig) (classify.Classifier, error) {
		if jc.Model == "" {
			return nil, eris.New("job has no model")
		}
		return classify.NewAnthropic(client, calc, classify.AnthropicOptions{
			Model:        jc.Model,
			Labels:       jc.Labels,
			Instructions: jc.Instructions,
			MaxTokens:    cfg.Anthropic.MaxTokens,
			CacheTTL:     cfg.Anthropic.CacheTTL,
		}), nil
	}
}

// runEnv bundles what start and resume need.
type runEnv struct {
	Store   store.Store
	Ledger  *ledger.Ledger
	Engine  *engine.Engine
	closers []func()
}

// Close releases resources in reverse order.
func (e *runEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func initRunEnv(ctx context.Context, force bool) (*runEnv, error) {
	st, err := openStore(ctx, config.ModeRun)
	if err != nil {
		return nil, err
	}
	env := &runEnv{Store: st, Ledger: ledger.New(st)}
	env.closers = append(env.closers, func() { st.Close() }) //nolint:errcheck

	locker, closeLocker, err := initLocker(st, force)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, closeLocker)
	if force {
		zap.L().Warn("force unlock requested: any existing lock on the job will be taken over")
	}

	env.Engine = engine.New(engine.Deps{
		Store:       st,
		Ledger:      env.Ledger,
		Locker:      locker,
		Classifiers: classifierFactory(),
		HTTP:        initHTTPFetcher(),
		Options: engine.Options{
			Circuit:           resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.HalfOpenProbes, cfg.Circuit.ResetTimeout),
			HeartbeatInterval: lock.Options{StaleAfter: cfg.Lock.StaleAfter}.RefreshInterval(),
		},
	})
	return env, nil
}
