package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satcars/internal/compositor"
	"satcars/internal/grid"
	"satcars/internal/scenes"
)

// fakeRelease answers release requests with a map descriptor derived from
// the requested scene id and records every payload it saw
type fakeRelease struct {
	mu       sync.Mutex
	prefix   string
	tiles    string
	err      error
	payloads []json.RawMessage
}

func (f *fakeRelease) GetData(ctx context.Context, initiatePayload interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(initiatePayload)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.payloads = append(f.payloads, raw)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	var body struct {
		SceneID string `json:"sceneId"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	descriptor := fmt.Sprintf(`{"mapId":"%s-%s","tiles":%s}`, f.prefix, body.SceneID, f.tiles)
	return json.RawMessage(descriptor), nil
}

func (f *fakeRelease) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func solidPNG(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

// newTileServer serves a canned asset per file type for any map and tile
func newTileServer(t *testing.T, detections string, hits *int64) *httptest.Server {
	background := solidPNG(t, color.NRGBA{G: 255, A: 255})
	overlay := solidPNG(t, color.NRGBA{})

	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			mu.Lock()
			*hits++
			mu.Unlock()
		}
		switch {
		case strings.HasSuffix(r.URL.Path, grid.FileTruecolor):
			w.Write(background)
		case strings.HasSuffix(r.URL.Path, grid.FileCars):
			w.Write(overlay)
		case strings.HasSuffix(r.URL.Path, grid.FileDetections):
			fmt.Fprint(w, detections)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestProcessor(t *testing.T, server *httptest.Server, outDir string, imagery, cars *fakeRelease, events *[]string) *Processor {
	t.Helper()

	gridClient, err := grid.NewClient(grid.Config{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		MaxWorkers: 4,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	proc, err := New(Config{
		ImageryRelease: imagery,
		CarsRelease:    cars,
		Grid:           gridClient,
		Compositor:     compositor.New(outDir, 2),
		TrackEventCallback: func(event string, properties map[string]interface{}) {
			if events != nil {
				mu.Lock()
				*events = append(*events, event)
				mu.Unlock()
			}
		},
	})
	require.NoError(t, err)
	return proc
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{ImageryRelease: &fakeRelease{}, CarsRelease: &fakeRelease{}})
	assert.Error(t, err)
}

func TestProcessSceneEndToEnd(t *testing.T) {
	server := newTileServer(t, `{"features":[{},{}]}`, nil)
	outDir := t.TempDir()

	imagery := &fakeRelease{prefix: "imagery", tiles: `[[16,100,200]]`}
	cars := &fakeRelease{prefix: "cars", tiles: `[[16,100,200]]`}
	var events []string
	proc := newTestProcessor(t, server, outDir, imagery, cars, &events)

	scene := scenes.Scene{SceneID: "scene-b", Datetime: "2019-01-20 11:30:00"}
	extent := json.RawMessage(`{"type":"Polygon","coordinates":[]}`)

	require.NoError(t, proc.ProcessScene(context.Background(), extent, scene))

	// Both releases get the same sceneId/extent body
	require.Equal(t, 1, imagery.calls())
	require.Equal(t, 1, cars.calls())
	assert.JSONEq(t, `{"sceneId":"scene-b","extent":{"type":"Polygon","coordinates":[]}}`, string(imagery.payloads[0]))
	assert.JSONEq(t, string(imagery.payloads[0]), string(cars.payloads[0]))

	sceneDir := filepath.Join(outDir, "2019-01-20_11:30:00")

	img, err := os.ReadFile(filepath.Join(sceneDir, "200-16.png"))
	require.NoError(t, err)
	_, err = imaging.Decode(bytes.NewReader(img))
	assert.NoError(t, err)

	summary, err := os.ReadFile(filepath.Join(sceneDir, "200-16.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cars_count": 2}`, string(summary))

	assert.Equal(t, []string{"scene_processed"}, events)
}

func TestProcessSceneReleaseFailureAborts(t *testing.T) {
	var hits int64
	server := newTileServer(t, `{"features":[]}`, &hits)
	outDir := t.TempDir()

	imagery := &fakeRelease{prefix: "imagery", tiles: `[[16,0,0]]`}
	cars := &fakeRelease{err: fmt.Errorf("release rejected")}
	proc := newTestProcessor(t, server, outDir, imagery, cars, nil)

	err := proc.ProcessScene(context.Background(), json.RawMessage(`{}`), scenes.Scene{SceneID: "s", Datetime: "2019-01-01 00:00:00"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cars release")
	assert.Zero(t, hits, "no tiles must be fetched when a release fails")

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessSceneTileMismatchAborts(t *testing.T) {
	server := newTileServer(t, `{"features":[]}`, nil)

	imagery := &fakeRelease{prefix: "imagery", tiles: `[[16,0,0]]`}
	cars := &fakeRelease{prefix: "cars", tiles: `[[16,0,0],[16,1,0]]`}
	proc := newTestProcessor(t, server, t.TempDir(), imagery, cars, nil)

	err := proc.ProcessScene(context.Background(), json.RawMessage(`{}`), scenes.Scene{SceneID: "s", Datetime: "2019-01-01 00:00:00"})
	assert.ErrorIs(t, err, grid.ErrTileMismatch)
}

func TestProcessScenesDuplicateFolderRejected(t *testing.T) {
	server := newTileServer(t, `{"features":[]}`, nil)

	imagery := &fakeRelease{prefix: "imagery", tiles: `[[16,0,0]]`}
	cars := &fakeRelease{prefix: "cars", tiles: `[[16,0,0]]`}
	proc := newTestProcessor(t, server, t.TempDir(), imagery, cars, nil)

	list := []scenes.Scene{
		{SceneID: "first", Datetime: "2019-01-20 11:30:00"},
		{SceneID: "second", Datetime: "2019-01-20 11:30:00"},
	}

	err := proc.ProcessScenes(context.Background(), json.RawMessage(`{}`), list)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same output folder")
	assert.Zero(t, imagery.calls(), "no release must start when folders collide")
}

func TestProcessScenesIsolatesOutputs(t *testing.T) {
	server := newTileServer(t, `{"features":[{}]}`, nil)
	outDir := t.TempDir()

	imagery := &fakeRelease{prefix: "imagery", tiles: `[[16,100,200]]`}
	cars := &fakeRelease{prefix: "cars", tiles: `[[16,100,200]]`}
	var events []string
	proc := newTestProcessor(t, server, outDir, imagery, cars, &events)

	list := []scenes.Scene{
		{SceneID: "a", Datetime: "2019-01-20 11:30:00"},
		{SceneID: "b", Datetime: "2019-01-21 09:00:00"},
	}

	require.NoError(t, proc.ProcessScenes(context.Background(), json.RawMessage(`{}`), list))

	for _, folder := range []string{"2019-01-20_11:30:00", "2019-01-21_09:00:00"} {
		summary, err := os.ReadFile(filepath.Join(outDir, folder, "200-16.json"))
		require.NoError(t, err, "scene folder %s", folder)
		assert.JSONEq(t, `{"cars_count": 1}`, string(summary))
	}

	assert.Len(t, events, 2)
	assert.Equal(t, 2, imagery.calls())
	assert.Equal(t, 2, cars.calls())
}
