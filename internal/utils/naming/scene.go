package naming

import (
	"fmt"
	"strings"
)

// SceneFolderName converts a scene capture datetime into its output
// directory name. Spaces become underscores; path separators are replaced
// too so the result always stays a single path element.
func SceneFolderName(datetime string) string {
	name := strings.ReplaceAll(datetime, " ", "_")
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "\\", "-")
	return name
}

// TileFileName creates the per-tile output base name.
// Format: {y}-{zoom}
func TileFileName(y, zoom int) string {
	return fmt.Sprintf("%d-%d", y, zoom)
}
