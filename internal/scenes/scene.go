package scenes

import (
	"errors"
	"log"
	"math"
)

// MaxCloudCover is the highest cloud-cover fraction a scene may have and
// still qualify for selection
const MaxCloudCover = 0.30

// ErrNoScenes is returned when a scene list is empty and there is nothing
// to select from
var ErrNoScenes = errors.New("no scenes available")

// Band describes one imagery band of a scene
type Band struct {
	GSD float64 `json:"gsd"`
}

// Scene is one satellite capture candidate. Immutable once received; the
// datetime string becomes the output folder name after sanitization.
type Scene struct {
	SceneID    string   `json:"sceneId"`
	CloudCover *float64 `json:"cloudCover,omitempty"`
	Bands      []Band   `json:"bands"`
	Datetime   string   `json:"datetime"`
}

// EffectiveCloudCover returns the scene's cloud cover, treating an absent
// value as fully clouded (1.0) so it never qualifies by accident
func (s Scene) EffectiveCloudCover() float64 {
	if s.CloudCover == nil {
		return 1.0
	}
	return *s.CloudCover
}

// resolution is the ground sample distance of the scene's primary band.
// Scenes without band metadata sort behind every real resolution.
func (s Scene) resolution() float64 {
	if len(s.Bands) == 0 {
		return math.Inf(1)
	}
	return s.Bands[0].GSD
}

// ChooseBestScene picks the finest-resolution scene among those with
// acceptable cloud cover. Ties keep the earliest-seen candidate. When no
// scene qualifies the first scene of the input is returned regardless of
// its cloud cover. An empty input is an error.
func ChooseBestScene(candidates []Scene) (Scene, error) {
	if len(candidates) == 0 {
		return Scene{}, ErrNoScenes
	}

	var best *Scene
	for i := range candidates {
		s := &candidates[i]
		if s.EffectiveCloudCover() > MaxCloudCover {
			continue
		}
		if best == nil || s.resolution() < best.resolution() {
			best = s
		}
	}

	if best == nil {
		best = &candidates[0]
	}

	log.Printf("[Scenes] scene %s was chosen (cloudCover=%.2f)", best.SceneID, best.EffectiveCloudCover())
	return *best, nil
}
