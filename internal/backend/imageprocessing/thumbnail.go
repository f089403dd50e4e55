package imageprocessing

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// ThumbnailCommand fits a PNG into a width x height box keeping its aspect
// ratio. Images already inside the box are returned unchanged.
type ThumbnailCommand struct {
	width  int
	height int
}

func NewThumbnailCommand(params map[string]any) (Command, error) {
	if err := validateRequiredParams(params, []string{"width", "height"}); err != nil {
		return nil, err
	}
	width := getIntParam(params, "width", 0)
	height := getIntParam(params, "height", 0)
	if width <= 0 {
		return nil, fmt.Errorf("width must be positive, got %d", width)
	}
	if height <= 0 {
		return nil, fmt.Errorf("height must be positive, got %d", height)
	}
	return &ThumbnailCommand{width: width, height: height}, nil
}

func (c *ThumbnailCommand) Name() string {
	return "ThumbnailCommand"
}

func (c *ThumbnailCommand) Execute(imageData []byte) ([]byte, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode PNG image: %w", err)
	}
	if err := checkPixelBudget(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	src, err := png.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode PNG image: %w", err)
	}

	bounds := src.Bounds()
	w, h := fitWithin(bounds.Dx(), bounds.Dy(), c.width, c.height)
	if w == bounds.Dx() && h == bounds.Dy() {
		return imageData, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return encodePNG(dst)
}

// fitWithin returns the largest size with the aspect ratio of w x h that fits
// in maxW x maxH, never enlarging.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH > h*maxW {
		scaled := h * maxW / w
		if scaled < 1 {
			scaled = 1
		}
		return maxW, scaled
	}
	scaled := w * maxH / h
	if scaled < 1 {
		scaled = 1
	}
	return scaled, maxH
}

func init() {
	if err := DefaultRegistry.Register("ThumbnailCommand", NewThumbnailCommand); err != nil {
		panic(fmt.Sprintf("failed to register ThumbnailCommand: %v", err))
	}
}
