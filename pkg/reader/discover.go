package reader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Auxiliary files that live next to trace shards but are not traces
// themselves.
var reservedNames = map[string]bool{
	"serial_schedule": true,
	"cpu_schedule":    true,
	"modules.log":     true,
	"funclist.log":    true,
	"encodings.bin":   true,
}

func isReserved(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	// Reserved names may appear with a compression suffix.
	base := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".zst"), ".lz4")
	return reservedNames[base]
}

// DiscoverTraces lists the trace shard files of a workload path, in sorted
// order. A file path is returned as-is; a directory is scanned one level
// deep, skipping reserved auxiliary files.
func DiscoverTraces(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat workload %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read workload dir %s: %w", path, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || isReserved(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(path, e.Name()))
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("workload %s contains no trace files", path)
	}
	return out, nil
}
