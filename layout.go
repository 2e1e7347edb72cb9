package gamecache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	pointerPrefix  = "main_file_cache.idx"
	sharedDataName = "main_file_cache.dat2"
	lockName       = "gamecache.lock"
	journalName    = "gamecache.journal"
	compactSuffix  = ".compact"
)

func pointerName(id uint8) string {
	return pointerPrefix + strconv.Itoa(int(id))
}

func dataName(layout Layout, id uint8) string {
	if layout == LayoutShared {
		return sharedDataName
	}
	return sharedDataName + "." + strconv.Itoa(int(id))
}

// detectLayout reports the layout of an existing cache in dir, or fallback
// when dir holds no block files yet.
func detectLayout(dir string, fallback Layout) (Layout, error) {
	if _, err := os.Stat(filepath.Join(dir, sharedDataName)); err == nil {
		return LayoutShared, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("stat %s: %w", sharedDataName, err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, sharedDataName+".*"))
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		if _, ok := parseSuffix(filepath.Base(m), sharedDataName+"."); ok {
			return LayoutPerIndex, nil
		}
	}
	return fallback, nil
}

// discoverIndices lists the index ids that have a pointer file in dir,
// excluding the master index.
func discoverIndices(dir string) ([]uint8, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint8
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := parseSuffix(e.Name(), pointerPrefix)
		if ok && id != MasterIndex {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func parseSuffix(name, prefix string) (uint8, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(n), true
}
