// Package archive retrieves per-period bulk archives from the upstream
// providers and keeps them in a durable on-disk cache.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/y9c-cli/internal/fetcher"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/resilience"
	"github.com/sells-group/y9c-cli/internal/source"
)

// Origin records how an archive reached the cache.
type Origin string

const (
	FromCache    Origin = "cache"
	FromDownload Origin = "download"
	FromManual   Origin = "manual"
)

// Archive is a verified raw archive on disk for one (source, period).
type Archive struct {
	Source source.ID
	Period period.Period
	Path   string
	Size   int64
	Origin Origin
}

// Cached reports whether the archive was served without network access.
func (a *Archive) Cached() bool { return a.Origin != FromDownload }

// Open opens the archive for reading. Callers must close the reader.
func (a *Archive) Open() (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(a.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: open %s", a.Path)
	}
	return r, nil
}

// FetchFailure is returned when an archive could not be obtained after all
// retries, or the upstream payload was empty or not a valid archive.
type FetchFailure struct {
	Period   period.Period
	Source   source.ID
	Attempts int
	Cause    error
}

func (e *FetchFailure) Error() string {
	return fmt.Sprintf("fetch %s from %s failed after %d attempt(s): %v", e.Period, e.Source, e.Attempts, e.Cause)
}

func (e *FetchFailure) Unwrap() error { return e.Cause }

// IsFetchFailure reports whether err carries a FetchFailure.
func IsFetchFailure(err error) bool {
	var ff *FetchFailure
	return errors.As(err, &ff)
}

// Options configures the cache.
type Options struct {
	// CacheDir is the root of the raw-archive cache.
	CacheDir string
	// ManualDir is searched for hand-downloaded archives before going to the network.
	ManualDir string
	URLs      source.URLs
	Retry     resilience.RetryConfig
}

// Cache fetches archives through a Fetcher and stores them under
// <CacheDir>/<source>/BHCF_<year>Q<quarter>.zip.
type Cache struct {
	fetcher fetcher.Fetcher
	opts    Options
	group   singleflight.Group
	log     *zap.Logger
}

// New creates a Cache.
func New(f fetcher.Fetcher, opts Options) *Cache {
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join("data", "raw")
	}
	if opts.Retry.ShouldRetry == nil {
		opts.Retry.ShouldRetry = resilience.RetryUnlessCanceled
	}
	return &Cache{
		fetcher: f,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "archive")),
	}
}

// FileName is the cache file name for a period.
func FileName(p period.Period) string {
	return fmt.Sprintf("BHCF_%dQ%d.zip", p.Year, p.Quarter)
}

// Path returns the deterministic cache location for (src, p).
func (c *Cache) Path(src source.ID, p period.Period) string {
	return filepath.Join(c.opts.CacheDir, string(src), FileName(p))
}

// Fetch returns the archive for (src, p), downloading it only when no valid
// cached copy exists. Concurrent calls for the same key share one download.
func (c *Cache) Fetch(ctx context.Context, src source.ID, p period.Period) (*Archive, error) {
	key := string(src) + "/" + p.String()
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, src, p)
	})
	if err != nil {
		return nil, err
	}
	a := *v.(*Archive)
	return &a, nil
}

func (c *Cache) fetch(ctx context.Context, src source.ID, p period.Period) (*Archive, error) {
	dest := c.Path(src, p)
	log := c.log.With(zap.String("source", string(src)), zap.String("period", p.String()))

	if size, err := verify(dest); err == nil {
		log.Debug("cache hit", zap.String("path", dest))
		return &Archive{Source: src, Period: p, Path: dest, Size: size, Origin: FromCache}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("cached archive failed integrity check, refetching", zap.String("path", dest), zap.Error(err))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, &FetchFailure{Period: p, Source: src, Cause: eris.Wrap(err, "archive: create cache dir")}
	}

	if manual := c.findManual(p); manual != "" {
		size, err := c.installManual(manual, dest)
		if err == nil {
			log.Info("using manual download", zap.String("file", manual))
			return &Archive{Source: src, Period: p, Path: dest, Size: size, Origin: FromManual}, nil
		}
		log.Warn("manual download rejected", zap.String("file", manual), zap.Error(err))
	}

	start := time.Now()
	size, attempts, err := c.download(ctx, src, p, dest)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrapf(ctxErr, "archive: fetch %s %s interrupted", src, p)
		}
		return nil, &FetchFailure{Period: p, Source: src, Attempts: attempts, Cause: err}
	}
	log.Info("archive downloaded",
		zap.Int64("bytes", size),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Archive{Source: src, Period: p, Path: dest, Size: size, Origin: FromDownload}, nil
}

// download writes to a temp file in the cache directory, verifies it, and
// renames it onto dest so a partial transfer never occupies the cache key.
func (c *Cache) download(ctx context.Context, src source.ID, p period.Period, dest string) (int64, int, error) {
	url, err := c.opts.URLs.URL(src, p)
	if err != nil {
		return 0, 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*.part")
	if err != nil {
		return 0, 0, eris.Wrap(err, "archive: create temp file")
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath) //nolint:errcheck

	cfg := c.opts.Retry
	cfg.OnRetry = resilience.RetryLogger("archive",
		zap.String("source", string(src)),
		zap.String("period", p.String()),
	)

	attempts := 0
	size, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (int64, error) {
		attempts++
		n, err := c.fetcher.DownloadToFile(ctx, url, tmpPath)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, eris.Errorf("archive: empty response from %s", url)
		}
		return verify(tmpPath)
	})
	if err != nil {
		return 0, attempts, err
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, attempts, eris.Wrap(err, "archive: move download into cache")
	}
	return size, attempts, nil
}

// manualNames are the file names accepted in the manual-download directory.
func manualNames(p period.Period) []string {
	y, q := p.Year, p.Quarter
	return []string{
		FileName(p),
		fmt.Sprintf("BHCF_%d%d.zip", y, q),
		fmt.Sprintf("bhcf_%dq%d.zip", y, q),
		fmt.Sprintf("BHCF%dQ%d.zip", y, q),
		fmt.Sprintf("BHCF%s.zip", p.DateKey()),
	}
}

func (c *Cache) findManual(p period.Period) string {
	if c.opts.ManualDir == "" {
		return ""
	}
	for _, name := range manualNames(p) {
		path := filepath.Join(c.opts.ManualDir, name)
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path
		}
	}
	return ""
}

func (c *Cache) installManual(src, dest string) (int64, error) {
	if _, err := verify(src); err != nil {
		return 0, err
	}
	tmp := dest + ".manual"
	defer os.Remove(tmp) //nolint:errcheck
	if _, err := fetcher.CopyFile(src, tmp); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return 0, eris.Wrap(err, "archive: install manual download")
	}
	return verify(dest)
}

// verify runs the integrity check and returns the file size.
func verify(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if _, err := fetcher.VerifyZIP(path); err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Entry describes one cached archive.
type Entry struct {
	Source  source.ID
	Period  period.Period
	Path    string
	Size    int64
	ModTime time.Time
	Valid   bool
	Problem string
}

// Status reports the cache state for (src, p). Found is false when nothing is cached.
func (c *Cache) Status(src source.ID, p period.Period) (Entry, bool) {
	path := c.Path(src, p)
	fi, err := os.Stat(path)
	if err != nil {
		return Entry{Source: src, Period: p, Path: path}, false
	}
	e := Entry{Source: src, Period: p, Path: path, Size: fi.Size(), ModTime: fi.ModTime(), Valid: true}
	if _, err := verify(path); err != nil {
		e.Valid = false
		e.Problem = err.Error()
	}
	return e, true
}

// List returns every cached archive, ordered by period then source.
func (c *Cache) List() ([]Entry, error) {
	var out []Entry
	for _, src := range []source.ID{source.Chicago, source.NIC} {
		dir := filepath.Join(c.opts.CacheDir, string(src))
		files, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "archive: list %s", dir)
		}
		for _, f := range files {
			p, ok := periodFromName(f.Name())
			if !ok {
				continue
			}
			if e, found := c.Status(src, p); found {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if cmp := out[i].Period.Compare(out[j].Period); cmp != 0 {
			return cmp < 0
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

// Missing returns the periods in want that have no valid cached archive
// under the source the selector assigns them.
func (c *Cache) Missing(sel source.Selector, want []period.Period) []period.Period {
	var out []period.Period
	for _, p := range want {
		if e, ok := c.Status(sel.Select(p), p); !ok || !e.Valid {
			out = append(out, p)
		}
	}
	return out
}

func periodFromName(name string) (period.Period, bool) {
	if !strings.HasPrefix(name, "BHCF_") || !strings.HasSuffix(name, ".zip") {
		return period.Period{}, false
	}
	p, err := period.Parse(strings.TrimSuffix(strings.TrimPrefix(name, "BHCF_"), ".zip"))
	if err != nil {
		return period.Period{}, false
	}
	return p, true
}
