package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"satcars/internal/compositor"
	"satcars/internal/grid"
	"satcars/internal/scenes"
	"satcars/internal/utils/naming"
)

// DefaultMaxConcurrentScenes caps how many scenes are processed at once.
// Each scene spawns its own tile fan-out, so this stays small.
const DefaultMaxConcurrentScenes = 4

// PipelineRunner is the slice of the pipeline client the processor needs
// for the two release endpoints
type PipelineRunner interface {
	GetData(ctx context.Context, initiatePayload interface{}) (json.RawMessage, error)
}

// Processor orchestrates one or many scenes: parallel imagery and cars
// releases, the tile download fan-out, and the merge/persist pool
type Processor struct {
	imageryRelease PipelineRunner
	carsRelease    PipelineRunner
	gridClient     *grid.Client
	comp           *compositor.Compositor
	maxScenes      int

	trackEventCallback func(event string, properties map[string]interface{})
}

// Config holds the dependencies for a Processor
type Config struct {
	ImageryRelease      PipelineRunner
	CarsRelease         PipelineRunner
	Grid                *grid.Client
	Compositor          *compositor.Compositor
	MaxConcurrentScenes int
	TrackEventCallback  func(event string, properties map[string]interface{})
}

// New creates a processor with all dependencies injected
func New(cfg Config) (*Processor, error) {
	if cfg.ImageryRelease == nil {
		return nil, fmt.Errorf("ImageryRelease is required")
	}
	if cfg.CarsRelease == nil {
		return nil, fmt.Errorf("CarsRelease is required")
	}
	if cfg.Grid == nil {
		return nil, fmt.Errorf("Grid is required")
	}
	if cfg.Compositor == nil {
		return nil, fmt.Errorf("Compositor is required")
	}

	maxScenes := cfg.MaxConcurrentScenes
	if maxScenes <= 0 {
		maxScenes = DefaultMaxConcurrentScenes
	}

	return &Processor{
		imageryRelease:     cfg.ImageryRelease,
		carsRelease:        cfg.CarsRelease,
		gridClient:         cfg.Grid,
		comp:               cfg.Compositor,
		maxScenes:          maxScenes,
		trackEventCallback: cfg.TrackEventCallback,
	}, nil
}

// trackEvent reports an analytics event if a callback is set
func (p *Processor) trackEvent(event string, properties map[string]interface{}) {
	if p.trackEventCallback != nil {
		p.trackEventCallback(event, properties)
	}
}

// releasePayload builds the body for both release endpoints. The extent
// passes through opaque.
func releasePayload(extent json.RawMessage, sceneID string) map[string]interface{} {
	return map[string]interface{}{
		"sceneId": sceneID,
		"extent":  extent,
	}
}

// getSceneMaps runs the imagery and cars release pipelines concurrently.
// Both must succeed; either failure aborts the scene and cancels the other.
func (p *Processor) getSceneMaps(ctx context.Context, extent json.RawMessage, scene scenes.Scene) (imageryMap, carsMap grid.MapDescriptor, err error) {
	payload := releasePayload(extent, scene.SceneID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := p.imageryRelease.GetData(gctx, payload)
		if err != nil {
			return fmt.Errorf("imagery release: %w", err)
		}
		if err := json.Unmarshal(raw, &imageryMap); err != nil {
			return fmt.Errorf("imagery release: failed to parse map descriptor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		raw, err := p.carsRelease.GetData(gctx, payload)
		if err != nil {
			return fmt.Errorf("cars release: %w", err)
		}
		if err := json.Unmarshal(raw, &carsMap); err != nil {
			return fmt.Errorf("cars release: failed to parse map descriptor: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return grid.MapDescriptor{}, grid.MapDescriptor{}, err
	}

	log.Printf("[Processor] image maps for imagery and cars were obtained for scene %s", scene.SceneID)
	return imageryMap, carsMap, nil
}

// ProcessScene processes one scene end to end: release both maps, download
// every tile triple, merge and persist
func (p *Processor) ProcessScene(ctx context.Context, extent json.RawMessage, scene scenes.Scene) error {
	log.Printf("[Processor] processing scene %s", scene.SceneID)

	imageryMap, carsMap, err := p.getSceneMaps(ctx, extent, scene)
	if err != nil {
		return fmt.Errorf("scene %s: %w", scene.SceneID, err)
	}

	sets, err := p.gridClient.GetSceneImages(ctx, imageryMap, carsMap)
	if err != nil {
		return fmt.Errorf("scene %s: %w", scene.SceneID, err)
	}

	folder := naming.SceneFolderName(scene.Datetime)
	if err := p.comp.SaveSceneImages(ctx, sets, folder); err != nil {
		return fmt.Errorf("scene %s: %w", scene.SceneID, err)
	}

	p.trackEvent("scene_processed", map[string]interface{}{
		"sceneId": scene.SceneID,
		"tiles":   len(sets),
	})
	return nil
}

// ProcessScenes fans ProcessScene out over every scene with a bounded
// concurrency cap. The first failure cancels the remaining scenes. Scene
// folder names must be unique or their tiles would overwrite each other,
// so duplicates are rejected before any work starts.
func (p *Processor) ProcessScenes(ctx context.Context, extent json.RawMessage, list []scenes.Scene) error {
	seen := make(map[string]string, len(list))
	for _, s := range list {
		folder := naming.SceneFolderName(s.Datetime)
		if other, dup := seen[folder]; dup {
			return fmt.Errorf("scenes %s and %s map to the same output folder %q", other, s.SceneID, folder)
		}
		seen[folder] = s.SceneID
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxScenes)
	for _, scene := range list {
		scene := scene
		g.Go(func() error {
			return p.ProcessScene(gctx, extent, scene)
		})
	}
	return g.Wait()
}
