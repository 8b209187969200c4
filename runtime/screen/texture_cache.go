package screen

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/BDNK1/hotswap/internal/security"
)

// Texture describes a decoded image file.
type Texture struct {
	Path   string
	Width  int
	Height int
}

// TextureCache loads image headers on first use and keeps them. Failed
// loads are not cached, so an image that appears later is picked up.
type TextureCache struct {
	root     string
	textures cmap.ConcurrentMap[string, Texture]
}

// NewTextureCache creates a cache that only reads files below root.
func NewTextureCache(root string) *TextureCache {
	return &TextureCache{
		root:     root,
		textures: cmap.New[Texture](),
	}
}

// Get returns the texture for filename, loading it if needed.
func (c *TextureCache) Get(filename string) (Texture, error) {
	if tex, ok := c.textures.Get(filename); ok {
		return tex, nil
	}

	path, err := security.ResolveWithin(c.root, filename)
	if err != nil {
		return Texture{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Texture{}, fmt.Errorf("open texture %q: %w", filename, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Texture{}, fmt.Errorf("decode texture %q: %w", filename, err)
	}

	tex := Texture{Path: path, Width: cfg.Width, Height: cfg.Height}
	c.textures.Set(filename, tex)
	return tex, nil
}

// Has reports whether filename is already cached.
func (c *TextureCache) Has(filename string) bool {
	return c.textures.Has(filename)
}

// Len returns the number of cached textures.
func (c *TextureCache) Len() int {
	return c.textures.Count()
}
