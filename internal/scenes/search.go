package scenes

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// DefaultSearchDays is how far back the scene search looks when the caller
// does not override it
const DefaultSearchDays = 90

// PipelineRunner is the slice of the pipeline client the search needs
type PipelineRunner interface {
	GetData(ctx context.Context, initiatePayload interface{}) (json.RawMessage, error)
}

// Service searches the imagery catalog for scenes covering an extent
type Service struct {
	search   PipelineRunner
	daysBack int

	now func() time.Time
}

// NewService creates a scene search service on top of a pipeline client
// bound to the imagery search endpoint
func NewService(search PipelineRunner, daysBack int) *Service {
	if daysBack <= 0 {
		daysBack = DefaultSearchDays
	}
	return &Service{
		search:   search,
		daysBack: daysBack,
		now:      time.Now,
	}
}

// searchPayload builds the catalog query. The extent passes through opaque.
func (s *Service) searchPayload(extent json.RawMessage) map[string]interface{} {
	past := s.now().AddDate(0, 0, -s.daysBack)
	return map[string]interface{}{
		"provider":      "gbdx",
		"dataset":       "idaho-pansharpened",
		"startDatetime": past.Format("2006-01-02") + " 00:00:00",
		"extent":        extent,
	}
}

// GetAllScenes returns every scene the catalog has for the extent within
// the configured lookback window
func (s *Service) GetAllScenes(ctx context.Context, extent json.RawMessage) ([]Scene, error) {
	raw, err := s.search.GetData(ctx, s.searchPayload(extent))
	if err != nil {
		return nil, fmt.Errorf("scene search failed: %w", err)
	}

	var result struct {
		Results []Scene `json:"results"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse scene search results: %w", err)
	}

	log.Printf("[Scenes] search returned %d scenes", len(result.Results))
	return result.Results, nil
}
