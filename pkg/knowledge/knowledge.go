// Package knowledge serves song-catalog lookups from an in-memory
// snapshot. The snapshot is fetched from the catalog endpoint (with a
// local-file fallback) and refreshed in the background; readers always
// see a complete snapshot because refresh swaps an immutable pointer.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/tinyland-inc/drumline/pkg/logger"
)

// Song is one catalog entry.
type Song struct {
	Name            string `json:"name"`
	BPM             int    `json:"bpm"`
	DifficultyStars int    `json:"difficulty_stars"`
	Genre           string `json:"genre,omitempty"`
	Artist          string `json:"artist,omitempty"`
}

// Result distinguishes "the catalog has no such song" from "the
// catalog cannot be consulted right now"; callers apply different
// fallback policy to each.
type Result int

const (
	Found Result = iota
	NotFound
	Unavailable
)

func (r Result) String() string {
	switch r {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Lookup is the call contract the pipeline consumes.
type Lookup interface {
	Query(ctx context.Context, query string) (Song, Result)
}

// minMatchScore rejects fuzzy matches too weak to trust; the score is
// sahilm/fuzzy's rank, higher is better.
const minMatchScore = 0

type snapshot struct {
	songs        []Song
	fetchedAt    time.Time
	fromFallback bool
}

// names adapts a snapshot to fuzzy.Source.
type names []Song

func (n names) String(i int) string { return n[i].Name }
func (n names) Len() int            { return len(n) }

type Config struct {
	CatalogURL   string
	FallbackPath string
	RefreshEvery time.Duration
	FetchTimeout time.Duration
}

// Service implements Lookup over an atomically-swapped snapshot.
type Service struct {
	cfg    Config
	client *http.Client
	snap   atomic.Pointer[snapshot]
}

var _ Lookup = (*Service)(nil)

func NewService(cfg Config) *Service {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = time.Hour
	}
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
	}
}

// Query fuzzy-matches the catalog by song name. Unavailable means no
// snapshot has ever loaded; a loaded-but-stale snapshot still answers.
func (s *Service) Query(_ context.Context, query string) (Song, Result) {
	snap := s.snap.Load()
	if snap == nil || len(snap.songs) == 0 {
		return Song{}, Unavailable
	}
	matches := fuzzy.FindFrom(query, names(snap.songs))
	if len(matches) == 0 || matches[0].Score < minMatchScore {
		return Song{}, NotFound
	}
	return snap.songs[matches[0].Index], Found
}

// Songs returns the current snapshot's entries (nil before first load).
func (s *Service) Songs() []Song {
	snap := s.snap.Load()
	if snap == nil {
		return nil
	}
	return snap.songs
}

// SetSongs installs a snapshot directly. Test hook and seed path.
func (s *Service) SetSongs(songs []Song) {
	s.snap.Store(&snapshot{songs: songs, fetchedAt: time.Now()})
}

// Refresh fetches the catalog and swaps the snapshot. The endpoint is
// primary; the local fallback file is read when the fetch fails and
// rewritten when it succeeds, so the fallback tracks the last good
// fetch.
func (s *Service) Refresh(ctx context.Context) error {
	songs, err := s.fetch(ctx)
	if err == nil {
		s.snap.Store(&snapshot{songs: songs, fetchedAt: time.Now()})
		s.writeFallback(songs)
		logger.InfoCF("knowledge", "Catalog refreshed", map[string]any{
			"songs": len(songs),
		})
		return nil
	}

	fetchErr := err
	songs, ferr := s.readFallback()
	if ferr != nil {
		return errors.Join(fetchErr, ferr)
	}
	s.snap.Store(&snapshot{songs: songs, fetchedAt: time.Now(), fromFallback: true})
	logger.WarnCF("knowledge", "Catalog fetch failed, using fallback file", map[string]any{
		"songs": len(songs),
		"error": fetchErr.Error(),
	})
	return nil
}

// Start refreshes once, then periodically until ctx is canceled. The
// initial failure is logged, not fatal: the service answers
// Unavailable until a refresh lands.
func (s *Service) Start(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		logger.ErrorCF("knowledge", "Initial catalog load failed", map[string]any{
			"error": err.Error(),
		})
	}
	ticker := time.NewTicker(s.cfg.RefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				logger.WarnCF("knowledge", "Catalog refresh failed", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}
}

func (s *Service) fetch(ctx context.Context) ([]Song, error) {
	if s.cfg.CatalogURL == "" {
		return nil, errors.New("no catalog URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.CatalogURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog endpoint returned %d", resp.StatusCode)
	}
	var songs []Song
	if err := json.NewDecoder(resp.Body).Decode(&songs); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	return songs, nil
}

func (s *Service) readFallback() ([]Song, error) {
	if s.cfg.FallbackPath == "" {
		return nil, errors.New("no fallback path configured")
	}
	data, err := os.ReadFile(s.cfg.FallbackPath)
	if err != nil {
		return nil, fmt.Errorf("reading fallback file: %w", err)
	}
	var songs []Song
	if err := json.Unmarshal(data, &songs); err != nil {
		return nil, fmt.Errorf("decoding fallback file: %w", err)
	}
	return songs, nil
}

func (s *Service) writeFallback(songs []Song) {
	if s.cfg.FallbackPath == "" {
		return
	}
	data, err := json.Marshal(songs)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.FallbackPath), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(s.cfg.FallbackPath, data, 0o600); err != nil {
		logger.WarnCF("knowledge", "Failed to update fallback file", map[string]any{
			"error": err.Error(),
		})
	}
}
