package assets

import (
	"embed"
	"fmt"
	"path"
	"sort"

	"github.com/automoto/matrixsync/frames"
)

//go:embed all:layouts
var layoutFS embed.FS

// DefaultLayout is used when no layout is named.
const DefaultLayout = "station"

// LayoutNames lists the embedded layouts without extension, sorted.
func LayoutNames() ([]string, error) {
	entries, err := layoutFS.ReadDir("layouts")
	if err != nil {
		return nil, fmt.Errorf("read layouts directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && path.Ext(entry.Name()) == ".tmx" {
			names = append(names, entry.Name()[:len(entry.Name())-len(".tmx")])
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadLayout loads an embedded layout by name.
func LoadLayout(name string) (*frames.Layout, error) {
	if name == "" {
		name = DefaultLayout
	}
	return frames.LoadLayout(layoutFS, path.Join("layouts", name+".tmx"))
}
