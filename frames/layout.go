package frames

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/automoto/matrixsync/shared/transform"
	"github.com/automoto/matrixsync/tags"
	"github.com/lafriks/go-tiled"
)

const (
	// LayoutGroup is the TMX object group frames are read from.
	LayoutGroup = "Frames"
	// SpawnGroup holds points objects are placed at on startup.
	SpawnGroup = "Spawns"
)

// Spawn is an authored placement, in world tiles.
type Spawn struct {
	Name string
	Kind string // "viewer" marks where joining viewers appear
	X, Y float64
}

// Layout is the frame data parsed from a TMX map.
type Layout struct {
	Name   string
	Frames []Definition
	Spawns []Spawn
	Width  int // tiles
	Height int
}

// ViewerSpawn returns the first viewer spawn point, or the map centre.
func (l *Layout) ViewerSpawn() (x, y float64) {
	for _, s := range l.Spawns {
		if s.Kind == tags.KindViewer {
			return s.X, s.Y
		}
	}
	return float64(l.Width) / 2, float64(l.Height) / 2
}

// LoadLayout parses a TMX file and returns its frame definitions in tile
// units. It takes an fs.FS so callers can pass embed.FS or os.DirFS.
func LoadLayout(fsys fs.FS, tmxPath string) (*Layout, error) {
	levelMap, err := tiled.LoadFile(tmxPath, tiled.WithFileSystem(fsys))
	if err != nil {
		return nil, fmt.Errorf("load TMX %s: %w", tmxPath, err)
	}

	layout := &Layout{
		Name:   strings.TrimSuffix(path.Base(tmxPath), path.Ext(tmxPath)),
		Width:  levelMap.Width,
		Height: levelMap.Height,
	}

	tileW := float64(levelMap.TileWidth)
	tileH := float64(levelMap.TileHeight)
	if tileW <= 0 || tileH <= 0 {
		return nil, fmt.Errorf("load TMX %s: invalid tile size %vx%v", tmxPath, tileW, tileH)
	}

	for _, og := range levelMap.ObjectGroups {
		if og.Name == SpawnGroup {
			for _, o := range og.Objects {
				kind := o.Name
				if o.Properties != nil && o.Properties.GetString("kind") != "" {
					kind = o.Properties.GetString("kind")
				}
				layout.Spawns = append(layout.Spawns, Spawn{
					Name: o.Name,
					Kind: kind,
					X:    o.X / tileW,
					Y:    o.Y / tileH,
				})
			}
			continue
		}
		if og.Name != LayoutGroup {
			continue
		}
		for _, o := range og.Objects {
			if o.Properties == nil {
				return nil, fmt.Errorf("load TMX %s: object %q has no properties", tmxPath, o.Name)
			}
			id := o.Properties.GetInt("frameId")
			if id <= 0 {
				return nil, fmt.Errorf("load TMX %s: object %q has no positive frameId", tmxPath, o.Name)
			}
			layout.Frames = append(layout.Frames, Definition{
				ID:           transform.FrameID(id),
				Name:         o.Name,
				X:            o.X / tileW,
				Y:            o.Y / tileH,
				Width:        o.Width / tileW,
				Height:       o.Height / tileH,
				RouteX:       o.Properties.GetFloat("routeX") / tileW,
				RouteY:       o.Properties.GetFloat("routeY") / tileH,
				RouteSeconds: o.Properties.GetFloat("routeSeconds"),
				DriftX:       o.Properties.GetFloat("driftX") / tileW,
				DriftY:       o.Properties.GetFloat("driftY") / tileH,
			})
		}
	}

	sort.Slice(layout.Frames, func(i, j int) bool {
		return layout.Frames[i].ID < layout.Frames[j].ID
	})
	return layout, nil
}
