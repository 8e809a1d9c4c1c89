package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"satcars/internal/cache"
	"satcars/internal/utils/naming"
)

// DefaultWorkers is the default number of concurrent tile fetches
const DefaultWorkers = 10

// Client fetches grid assets from the tile retrieval endpoint. All fetches
// share one pooled HTTP client so connections get reused across tiles.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	tileCache  *cache.TileCache // optional, nil disables caching
	sem        *semaphore.Weighted
}

// Config holds the dependencies for a grid client
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	TileCache  *cache.TileCache
	MaxWorkers int
}

// NewClient creates a grid client with all dependencies injected
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultWorkers
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		tileCache:  cfg.TileCache,
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
	}, nil
}

// Fetch downloads one grid asset addressed by map id, tile coordinate and
// file type. Cache hits skip the network entirely.
func (c *Client) Fetch(ctx context.Context, mapID string, tile Tile, fileType string) ([]byte, error) {
	key := cache.Key(mapID, tile.Zoom, tile.X, tile.Y, fileType)
	if c.tileCache != nil {
		if data, ok := c.tileCache.Get(key); ok {
			return data, nil
		}
	}

	address := fmt.Sprintf("%s/%s/-/%d/%d/%d/%s", c.baseURL, mapID, tile.Zoom, tile.X, tile.Y, fileType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for tile %s: %w", tile, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile %s (%s): %w", tile, fileType, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s (%s): %w", tile, fileType, err)
	}

	if resp.StatusCode != http.StatusOK {
		var remote struct {
			Error        string `json:"error"`
			ErrorMessage string `json:"errorMessage"`
		}
		_ = json.Unmarshal(body, &remote)
		return nil, &TileFetchError{
			Tile:       tile,
			FileType:   fileType,
			StatusCode: resp.StatusCode,
			Code:       remote.Error,
			Message:    remote.ErrorMessage,
		}
	}

	if c.tileCache != nil {
		if err := c.tileCache.Set(key, body); err != nil {
			log.Printf("[Grid] failed to cache tile %s (%s): %v", tile, fileType, err)
		}
	}

	return body, nil
}

// GetSceneImages downloads the background, overlay and detections for every
// tile of the scene. The imagery map's tile list is the authoritative
// ordering and the result preserves it. Distinct tiles are fetched
// concurrently under the worker cap; the first failure cancels the rest.
func (c *Client) GetSceneImages(ctx context.Context, imageryMap, carsMap MapDescriptor) ([]TileImageSet, error) {
	if err := imageryMap.Validate(); err != nil {
		return nil, fmt.Errorf("imagery map: %w", err)
	}
	if err := carsMap.Validate(); err != nil {
		return nil, fmt.Errorf("cars map: %w", err)
	}
	if err := VerifyTileConsistency(imageryMap, carsMap); err != nil {
		return nil, err
	}

	results := make([]TileImageSet, len(imageryMap.Tiles))

	g, gctx := errgroup.WithContext(ctx)
	for i, tile := range imageryMap.Tiles {
		i, tile := i, tile
		g.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)

			// The three assets of one tile are fetched in sequence; the
			// concurrency win lives at the tile level
			background, err := c.Fetch(gctx, imageryMap.MapID, tile, FileTruecolor)
			if err != nil {
				return err
			}
			foreground, err := c.Fetch(gctx, carsMap.MapID, tile, FileCars)
			if err != nil {
				return err
			}
			detections, err := c.Fetch(gctx, carsMap.MapID, tile, FileDetections)
			if err != nil {
				return err
			}

			results[i] = TileImageSet{
				Tile:       tile,
				Background: background,
				Foreground: foreground,
				Detections: detections,
				Name:       naming.TileFileName(tile.Y, tile.Zoom),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Printf("[Grid] downloaded %d tiles for map %s", len(results), imageryMap.MapID)
	return results, nil
}
