package compositor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"satcars/internal/grid"
)

// DefaultWorkers bounds the CPU-bound merge/write pool
const DefaultWorkers = 4

// Compositor merges background/overlay tile pairs and persists the results.
// The work is CPU-bound and file-bound, so it runs in its own bounded pool
// and never on the fetch path.
type Compositor struct {
	outputDir string
	sem       *semaphore.Weighted
}

// New creates a compositor writing under outputDir
func New(outputDir string, maxWorkers int) *Compositor {
	if maxWorkers <= 0 {
		maxWorkers = DefaultWorkers
	}
	return &Compositor{
		outputDir: outputDir,
		sem:       semaphore.NewWeighted(int64(maxWorkers)),
	}
}

// Merge composites foreground over background at the origin using the
// foreground's own alpha channel and re-encodes the result as PNG
func Merge(background, foreground []byte) ([]byte, error) {
	bg, err := imaging.Decode(bytes.NewReader(background))
	if err != nil {
		return nil, fmt.Errorf("failed to decode background: %w", err)
	}
	fg, err := imaging.Decode(bytes.NewReader(foreground))
	if err != nil {
		return nil, fmt.Errorf("failed to decode foreground: %w", err)
	}

	merged := imaging.Overlay(bg, fg, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, merged, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode merged image: %w", err)
	}
	return buf.Bytes(), nil
}

// CountCars counts the feature entries in a detections geojson document
func CountCars(detections []byte) (int, error) {
	var doc struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(detections, &doc); err != nil {
		return 0, fmt.Errorf("failed to parse detections: %w", err)
	}
	return len(doc.Features), nil
}

// SaveSceneImages merges every tile pair and writes, per tile, the merged
// PNG and a {"cars_count": N} sidecar under outputDir/sceneFolder. Tiles
// are processed concurrently under the pool cap; the first failure cancels
// the rest.
func (c *Compositor) SaveSceneImages(ctx context.Context, sets []grid.TileImageSet, sceneFolder string) error {
	dir := filepath.Join(c.outputDir, sceneFolder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create scene directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range sets {
		set := &sets[i]
		g.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)

			merged, err := Merge(set.Background, set.Foreground)
			if err != nil {
				return fmt.Errorf("tile %s: %w", set.Tile, err)
			}

			carsCount, err := CountCars(set.Detections)
			if err != nil {
				return fmt.Errorf("tile %s: %w", set.Tile, err)
			}

			if err := os.WriteFile(filepath.Join(dir, set.Name+".png"), merged, 0644); err != nil {
				return fmt.Errorf("tile %s: failed to write image: %w", set.Tile, err)
			}

			summary, err := json.Marshal(map[string]int{"cars_count": carsCount})
			if err != nil {
				return fmt.Errorf("tile %s: failed to marshal summary: %w", set.Tile, err)
			}
			if err := os.WriteFile(filepath.Join(dir, set.Name+".json"), summary, 0644); err != nil {
				return fmt.Errorf("tile %s: failed to write summary: %w", set.Tile, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	log.Printf("[Compositor] saved %d merged images to %s", len(sets), dir)
	return nil
}
