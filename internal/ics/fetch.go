package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "ezsched/internal/log"
)

// Source is one subscribed calendar feed.
type Source struct {
	ID  string
	URL string
}

// FetchResult is the body of one feed, fresh or from cache.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// CacheDir holds one subdirectory per feed URL.
	CacheDir  string
	Client    *http.Client
	UserAgent string
}

// Fetcher downloads feeds with conditional requests (ETag /
// Last-Modified) and falls back to the last good body when the origin is
// unreachable.
type Fetcher struct {
	client    *http.Client
	cache     diskCache
	userAgent string
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.CacheDir == "" {
		opts.CacheDir = "./var/ics-cache"
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ezsched"
	}
	return &Fetcher{
		client:    opts.Client,
		cache:     diskCache{dir: opts.CacheDir},
		userAgent: opts.UserAgent,
	}
}

// Fetch downloads src. Network failures and non-2xx statuses are served
// from cache when a cached body exists.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, fmt.Errorf("feed %s: empty url", src.ID)
	}
	entry := f.cache.entry(src.URL)
	meta, _ := entry.meta()
	cached, _ := entry.body()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("feed %s: %w", src.ID, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	fromCache := func(reason error) (FetchResult, error) {
		if len(cached) == 0 {
			return FetchResult{}, fmt.Errorf("feed %s: %w", src.ID, reason)
		}
		appLog.Error("ics fetch failed; serving cached body", reason, "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: cached, FromCache: true}, nil
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fromCache(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, fmt.Errorf("feed %s: 304 without cached body", src.ID)
		}
		appLog.Debug("ics feed not modified", "id", src.ID)
		return FetchResult{Source: src, Body: cached, FromCache: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fromCache(err)
		}
		err = entry.save(cacheMeta{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}, body)
		if err != nil {
			appLog.Error("ics cache save failed", err, "id", src.ID)
		}
		appLog.Info("ics feed fetched", "id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	default:
		return fromCache(errors.New(resp.Status))
	}
}

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type diskCache struct {
	dir string
}

type cacheEntry string

func (c diskCache) entry(rawURL string) cacheEntry {
	sum := sha256.Sum256([]byte(rawURL))
	return cacheEntry(filepath.Join(c.dir, hex.EncodeToString(sum[:8])))
}

func (e cacheEntry) meta() (cacheMeta, error) {
	var m cacheMeta
	data, err := os.ReadFile(filepath.Join(string(e), "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

func (e cacheEntry) body() ([]byte, error) {
	return os.ReadFile(filepath.Join(string(e), "body.ics"))
}

// save writes the body before the metadata so the metadata never
// describes a missing body.
func (e cacheEntry) save(m cacheMeta, body []byte) error {
	if err := os.MkdirAll(string(e), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(string(e), "body.ics"), body, 0o600); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(string(e), "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host; feed paths often embed secret tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
