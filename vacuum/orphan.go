package vacuum

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/loamdb/loam/logging"
)

// tempMarker joins the source path and the randomized suffix of a rebuild
// side file. The marker makes orphan detection a glob on the source path.
const tempMarker = ".vacuum-"

// TempPath derives a fresh side-file path next to the source.
func TempPath(sourcePath string) string {
	return sourcePath + tempMarker + uuid.NewString()
}

// SweepOrphans removes side files left behind by a rebuild that crashed
// before cleanup. Called on every database open; a sweep failure is
// logged, not fatal, since the next open retries.
func SweepOrphans(sourcePath string) int {
	matches, err := filepath.Glob(sourcePath + tempMarker + "*")
	if err != nil {
		logging.Warn("vacuum: orphan sweep", "path", sourcePath, "error", err)
		return 0
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			logging.Warn("vacuum: removing orphan", "path", path, "error", err)
			continue
		}
		logging.Info("vacuum: removed orphan temp file", "path", path)
		removed++
	}
	return removed
}
