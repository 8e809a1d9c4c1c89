package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/posthog/posthog-go"

	"satcars/internal/cache"
	"satcars/internal/compositor"
	"satcars/internal/config"
	"satcars/internal/grid"
	"satcars/internal/pipeline"
	"satcars/internal/processor"
	"satcars/internal/scenes"
)

func main() {
	days := flag.Int("days", 0, "how many days back to search for scenes (default from settings)")
	all := flag.Bool("all", false, "process every returned scene instead of only the best one")
	out := flag.String("out", "", "output directory (default from settings)")
	workers := flag.Int("workers", 0, "concurrent tile downloads (default from settings)")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <extent.geojson>\n\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Downloads car-detection imagery for the extent in the given GeoJSON file.\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *days, *all, *out, *workers); err != nil {
		log.Printf("[Main] fatal: %v", err)
		os.Exit(1)
	}
}

func run(extentPath string, days int, all bool, outDir string, workers int) error {
	// .env is optional; real deployments set JWT_TOKEN in the environment
	_ = godotenv.Load()

	settings, err := config.LoadSettings()
	if err != nil {
		log.Printf("[Main] failed to load settings, using defaults: %v", err)
		settings = config.DefaultSettings()
	}
	if days > 0 {
		settings.SearchDays = days
	}
	if outDir != "" {
		settings.OutputDir = outDir
	}
	if workers > 0 {
		settings.TileWorkers = workers
	}

	token := os.Getenv("JWT_TOKEN")
	if token == "" {
		log.Printf("[Main] JWT_TOKEN is not set; the remote API will reject requests")
	}

	extent, err := loadExtent(extentPath)
	if err != nil {
		return err
	}

	httpClient := &http.Client{
		Timeout: time.Duration(settings.HTTPTimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
		},
	}

	tileCache, err := cache.New(settings.CacheDir, settings.CacheMaxSizeMB,
		time.Duration(settings.CacheTTLDays)*24*time.Hour)
	if err != nil {
		log.Printf("[Main] tile cache disabled: %v", err)
		tileCache = nil
	}

	newPipeline := func(baseURL string) (*pipeline.Client, error) {
		return pipeline.NewClient(pipeline.Config{
			BaseURL:         baseURL,
			StatusURL:       settings.TaskingStatusURL,
			Token:           token,
			HTTPClient:      httpClient,
			MaxPollAttempts: settings.MaxPollAttempts,
			PollBudget:      time.Duration(settings.PollBudgetMinutes) * time.Minute,
		})
	}

	searchClient, err := newPipeline(settings.SearchURL)
	if err != nil {
		return err
	}
	imageryClient, err := newPipeline(settings.ImageryReleaseURL)
	if err != nil {
		return err
	}
	carsClient, err := newPipeline(settings.CarsReleaseURL)
	if err != nil {
		return err
	}

	gridClient, err := grid.NewClient(grid.Config{
		BaseURL:    settings.GridURL,
		Token:      token,
		HTTPClient: httpClient,
		TileCache:  tileCache,
		MaxWorkers: settings.TileWorkers,
	})
	if err != nil {
		return err
	}

	comp := compositor.New(settings.OutputDir, settings.MergeWorkers)

	// Analytics is opt-in: without a key every trackEvent is a no-op
	runID := uuid.NewString()
	var phClient posthog.Client
	if key := os.Getenv("POSTHOG_API_KEY"); key != "" {
		phConfig := posthog.Config{}
		if endpoint := os.Getenv("POSTHOG_ENDPOINT"); endpoint != "" {
			phConfig.Endpoint = endpoint
		}
		client, err := posthog.NewWithConfig(key, phConfig)
		if err != nil {
			log.Printf("[Main] failed to initialize PostHog: %v", err)
		} else {
			phClient = client
			defer phClient.Close()
		}
	}
	trackEvent := func(event string, properties map[string]interface{}) {
		if phClient == nil {
			return
		}
		props := posthog.NewProperties()
		for k, v := range properties {
			props.Set(k, v)
		}
		phClient.Enqueue(posthog.Capture{
			DistinctId: runID,
			Event:      event,
			Properties: props,
		})
	}

	proc, err := processor.New(processor.Config{
		ImageryRelease:      imageryClient,
		CarsRelease:         carsClient,
		Grid:                gridClient,
		Compositor:          comp,
		MaxConcurrentScenes: settings.MaxConcurrentScenes,
		TrackEventCallback:  trackEvent,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()

	searchService := scenes.NewService(searchClient, settings.SearchDays)
	available, err := searchService.GetAllScenes(ctx, extent)
	if err != nil {
		return err
	}

	selected := available
	if !all {
		best, err := scenes.ChooseBestScene(available)
		if err != nil {
			return err
		}
		selected = []scenes.Scene{best}
	}

	if err := proc.ProcessScenes(ctx, extent, selected); err != nil {
		return err
	}

	trackEvent("run_completed", map[string]interface{}{
		"scenes": len(selected),
	})
	log.Printf("[Main] processed %d scene(s), output in %s", len(selected), settings.OutputDir)
	return nil
}

// loadExtent reads the geojson extent file. The content passes through to
// the API opaque; it only has to be valid JSON.
func loadExtent(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read extent file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("extent file %s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}
