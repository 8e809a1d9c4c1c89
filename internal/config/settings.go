package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings represents persistent user preferences. Values missing from the
// settings file fall back to defaults.
type Settings struct {
	// Output and cache
	OutputDir      string `json:"outputDir"`
	CacheDir       string `json:"cacheDir"`
	CacheMaxSizeMB int    `json:"cacheMaxSizeMB"`
	CacheTTLDays   int    `json:"cacheTTLDays"`

	// Concurrency
	TileWorkers         int `json:"tileWorkers"`
	MergeWorkers        int `json:"mergeWorkers"`
	MaxConcurrentScenes int `json:"maxConcurrentScenes"`

	// Search and polling
	SearchDays        int `json:"searchDays"`
	MaxPollAttempts   int `json:"maxPollAttempts"`
	PollBudgetMinutes int `json:"pollBudgetMinutes"`

	// HTTP
	HTTPTimeoutSeconds int `json:"httpTimeoutSeconds"`

	// Remote endpoints
	SearchURL         string `json:"searchUrl"`
	ImageryReleaseURL string `json:"imageryReleaseUrl"`
	CarsReleaseURL    string `json:"carsReleaseUrl"`
	TaskingStatusURL  string `json:"taskingStatusUrl"`
	GridURL           string `json:"gridUrl"`
}

// DefaultSettings returns default settings
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()

	return &Settings{
		OutputDir:           "output",
		CacheDir:            filepath.Join(homeDir, ".satcars", "cache"),
		CacheMaxSizeMB:      250,
		CacheTTLDays:        30,
		TileWorkers:         10,
		MergeWorkers:        4,
		MaxConcurrentScenes: 4,
		SearchDays:          90,
		MaxPollAttempts:     120,
		PollBudgetMinutes:   30,
		HTTPTimeoutSeconds:  30,
		SearchURL:           "https://spaceknow-imagery.appspot.com/imagery/search",
		ImageryReleaseURL:   "https://spaceknow-kraken.appspot.com/kraken/release/imagery/geojson",
		CarsReleaseURL:      "https://spaceknow-kraken.appspot.com/kraken/release/cars/geojson",
		TaskingStatusURL:    "https://spaceknow-tasking.appspot.com/tasking/get-status",
		GridURL:             "https://spaceknow-kraken.appspot.com/kraken/grid",
	}
}

// GetSettingsPath returns the settings file path
func GetSettingsPath() string {
	homeDir, _ := os.UserHomeDir()

	baseDir := filepath.Join(homeDir, ".satcars")
	os.MkdirAll(baseDir, 0755)

	return filepath.Join(baseDir, "settings.json")
}

// LoadSettings loads settings from disk, merging with defaults for any
// missing fields
func LoadSettings() (*Settings, error) {
	settingsPath := GetSettingsPath()

	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	defaults := DefaultSettings()
	if settings.OutputDir == "" {
		settings.OutputDir = defaults.OutputDir
	}
	if settings.CacheDir == "" {
		settings.CacheDir = defaults.CacheDir
	}
	if settings.CacheMaxSizeMB == 0 {
		settings.CacheMaxSizeMB = defaults.CacheMaxSizeMB
	}
	if settings.CacheTTLDays == 0 {
		settings.CacheTTLDays = defaults.CacheTTLDays
	}
	if settings.TileWorkers == 0 {
		settings.TileWorkers = defaults.TileWorkers
	}
	if settings.MergeWorkers == 0 {
		settings.MergeWorkers = defaults.MergeWorkers
	}
	if settings.MaxConcurrentScenes == 0 {
		settings.MaxConcurrentScenes = defaults.MaxConcurrentScenes
	}
	if settings.SearchDays == 0 {
		settings.SearchDays = defaults.SearchDays
	}
	if settings.MaxPollAttempts == 0 {
		settings.MaxPollAttempts = defaults.MaxPollAttempts
	}
	if settings.PollBudgetMinutes == 0 {
		settings.PollBudgetMinutes = defaults.PollBudgetMinutes
	}
	if settings.HTTPTimeoutSeconds == 0 {
		settings.HTTPTimeoutSeconds = defaults.HTTPTimeoutSeconds
	}
	if settings.SearchURL == "" {
		settings.SearchURL = defaults.SearchURL
	}
	if settings.ImageryReleaseURL == "" {
		settings.ImageryReleaseURL = defaults.ImageryReleaseURL
	}
	if settings.CarsReleaseURL == "" {
		settings.CarsReleaseURL = defaults.CarsReleaseURL
	}
	if settings.TaskingStatusURL == "" {
		settings.TaskingStatusURL = defaults.TaskingStatusURL
	}
	if settings.GridURL == "" {
		settings.GridURL = defaults.GridURL
	}

	return &settings, nil
}

// SaveSettings saves settings to disk
func SaveSettings(settings *Settings) error {
	settingsPath := GetSettingsPath()

	if err := os.MkdirAll(filepath.Dir(settingsPath), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(settingsPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}
