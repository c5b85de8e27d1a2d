package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/y9c-cli/internal/archive"
	"github.com/sells-group/y9c-cli/internal/fetcher"
	"github.com/sells-group/y9c-cli/internal/ingest"
	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/normalize"
	"github.com/sells-group/y9c-cli/internal/parser"
	"github.com/sells-group/y9c-cli/internal/source"
	"github.com/sells-group/y9c-cli/internal/store"
)

// appEnv holds the store, catalog, and archive cache shared by the commands.
type appEnv struct {
	Store   store.Store
	Catalog *mdrm.Catalog
	Cache   *archive.Cache
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the catalog and the migrated store, and builds the archive
// cache. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	catalog, err := mdrm.Load(cfg.Tracking.MetricsFile)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DatabaseURL: cfg.Store.DatabaseURL,
		MaxConns:    cfg.Store.MaxConns,
	}, catalog)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	return &appEnv{Store: st, Catalog: catalog, Cache: newCache()}, nil
}

// newCache builds the archive cache. Retries live in the cache, so the HTTP
// fetcher makes a single attempt per call.
func newCache() *archive.Cache {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Timeout(),
		MaxRetries:   1,
		RatePerSec:   cfg.Fetch.RatePerSec,
		RateLimiters: fetcher.DefaultRateLimiters(cfg.Fetch.RatePerSec),
	})
	return archive.New(f, archive.Options{
		CacheDir:  cfg.Fetch.CacheDir,
		ManualDir: cfg.Fetch.ManualDir,
		URLs:      cfg.URLs(),
		Retry:     cfg.Retry(),
	})
}

// selector returns the configured provider selector.
func selector() source.Selector {
	return source.NewSelector(cfg.Cutover())
}

// newEngine wires an ingest engine over env.
func (e *appEnv) newEngine() (*ingest.Engine, error) {
	return ingest.NewEngine(ingest.Deps{
		Archives:   e.Cache,
		Store:      e.Store,
		Normalizer: normalize.New(normalize.Config{Tracked: cfg.Tracking.RSSDIDs}),
		Selector:   selector(),
	}, ingest.Options{
		Parse:              parser.Options{MaxSkipRatio: cfg.Parse.MaxSkipRatio},
		PublicationLagDays: cfg.Sources.PublicationLagDays,
		StartYear:          cfg.Tracking.StartYear,
	})
}
