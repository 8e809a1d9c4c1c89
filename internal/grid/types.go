package grid

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Grid asset types served per tile
const (
	FileTruecolor  = "truecolor.png"
	FileCars       = "cars.png"
	FileDetections = "detections.geojson"
)

// ErrTileMismatch indicates the imagery and cars map descriptors do not
// address the same tile grid. Both are released from the same extent and
// scene, so a divergence means the maps cannot be merged pairwise.
var ErrTileMismatch = errors.New("imagery and cars tile lists diverge")

// Tile is one cell of a zoom/x/y addressed grid. On the wire it is a
// three-element array [zoom, x, y].
type Tile struct {
	Zoom int
	X    int
	Y    int
}

// UnmarshalJSON decodes the wire form [zoom, x, y]
func (t *Tile) UnmarshalJSON(data []byte) error {
	var coords [3]int
	if err := json.Unmarshal(data, &coords); err != nil {
		return fmt.Errorf("tile must be a [zoom, x, y] array: %w", err)
	}
	t.Zoom, t.X, t.Y = coords[0], coords[1], coords[2]
	return nil
}

// MarshalJSON encodes back to the wire form
func (t Tile) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{t.Zoom, t.X, t.Y})
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// MapDescriptor identifies one rendered layer (imagery or cars) for a given
// scene and extent: an opaque map token plus the tile list covering the
// extent. Produced by a release pipeline, consumed by the tile fetcher.
type MapDescriptor struct {
	MapID string `json:"mapId"`
	Tiles []Tile `json:"tiles"`
}

// Validate checks the descriptor carries the fields the fetcher needs
func (m MapDescriptor) Validate() error {
	if m.MapID == "" {
		return fmt.Errorf("map descriptor missing mapId")
	}
	return nil
}

// TileImageSet is the per-tile working unit handed from fetch to merge
type TileImageSet struct {
	Tile       Tile
	Background []byte // truecolor tile from the imagery map
	Foreground []byte // cars overlay from the cars map
	Detections []byte // detections geojson from the cars map
	Name       string // output base name, {y}-{zoom}
}

// TileFetchError is a non-200 response while fetching one grid asset.
// Fatal to the tile batch it belongs to.
type TileFetchError struct {
	Tile       Tile
	FileType   string
	StatusCode int
	Code       string
	Message    string
}

func (e *TileFetchError) Error() string {
	return fmt.Sprintf("tile %s (%s): HTTP %d: %s: %s", e.Tile, e.FileType, e.StatusCode, e.Code, e.Message)
}

// VerifyTileConsistency checks that both descriptors address the same tiles
// in the same order. The merge pairs tiles by index, so any divergence is a
// hard error rather than a silent mispairing.
func VerifyTileConsistency(imagery, cars MapDescriptor) error {
	if len(imagery.Tiles) != len(cars.Tiles) {
		return fmt.Errorf("%w: imagery has %d tiles, cars has %d", ErrTileMismatch, len(imagery.Tiles), len(cars.Tiles))
	}
	for i := range imagery.Tiles {
		if imagery.Tiles[i] != cars.Tiles[i] {
			return fmt.Errorf("%w: index %d: imagery %s vs cars %s", ErrTileMismatch, i, imagery.Tiles[i], cars.Tiles[i])
		}
	}
	return nil
}
