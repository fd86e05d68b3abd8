package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/IvanBrykalov/tilestream/tileset"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"
)

// synthetic describes a generated quadtree tileset.
type synthetic struct {
	// Depth is the number of levels below the root.
	Depth int

	// HalfSize is the root half extent in meters.
	HalfSize float64

	// ContentBytes is the payload size of every tile.
	ContentBytes int

	// ExternalDepth moves every tile at that level into its own
	// zstd-compressed manifest; 0 keeps a single manifest.
	ExternalDepth int
}

// write generates the tileset under dir. The root manifest is tileset.json.
func (s synthetic) write(dir string) error {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return errors.New("creating zstd encoder failed").Wrap(err)
	}
	defer enc.Close()

	w := writer{synthetic: s, dir: dir, enc: enc}
	root, err := w.tile(0, 0, 0, 0, 0, s.HalfSize, true)
	if err != nil {
		return err
	}
	return w.manifest("tileset.json", root)
}

type writer struct {
	synthetic
	dir string
	enc *zstd.Encoder
}

func (w writer) tile(level, x, y int, cx, cy, half float64, inline bool) (tileset.TileManifest, error) {
	name := fmt.Sprintf("%d_%d_%d", level, x, y)
	m := tileset.TileManifest{
		BoundingVolume: tileset.VolumeManifest{
			Box: []float64{cx, cy, 0, half, 0, 0, 0, half, 0, 0, 0, half / 8},
		},
		Content: &tileset.ContentRef{URI: "t_" + name + ".bin"},
	}
	if level < w.Depth {
		m.GeometricError = half / 4
	}

	if !inline {
		ref := "s_" + name + ".json.zst"
		sub, err := w.tile(level, x, y, cx, cy, half, true)
		if err != nil {
			return m, err
		}
		if err := w.manifest(ref, sub); err != nil {
			return m, err
		}
		m.Content = &tileset.ContentRef{URI: ref}
		return m, nil
	}

	payload := bytes.Repeat([]byte{byte(level)}, w.ContentBytes)
	if err := w.file("t_"+name+".bin", payload); err != nil {
		return m, err
	}

	if level == w.Depth {
		return m, nil
	}
	h := half / 2
	for i, off := range [4][2]float64{{-h, -h}, {h, -h}, {-h, h}, {h, h}} {
		child, err := w.tile(level+1, 2*x+i%2, 2*y+i/2, cx+off[0], cy+off[1], h, level+1 != w.ExternalDepth)
		if err != nil {
			return m, err
		}
		m.Children = append(m.Children, child)
	}
	return m, nil
}

func (w writer) manifest(name string, root tileset.TileManifest) error {
	b, err := json.Marshal(tileset.Manifest{
		Asset:          tileset.Asset{Version: "1.0"},
		GeometricError: root.GeometricError,
		Root:           root,
	})
	if err != nil {
		return errors.New("encoding manifest failed").
			WithTag("name", name).
			Wrap(err)
	}
	if filepath.Ext(name) == ".zst" {
		b = w.enc.EncodeAll(b, nil)
	}
	return w.file(name, b)
}

func (w writer) file(name string, b []byte) error {
	if err := os.WriteFile(filepath.Join(w.dir, name), b, 0o644); err != nil {
		return errors.New("writing synthetic tileset failed").
			WithTag("name", name).
			Wrap(err)
	}
	return nil
}
