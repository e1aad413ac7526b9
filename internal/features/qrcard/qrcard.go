package qrcard

// Connect QR card: the wallet link as a QR code on a white card with a caption under it

import (
	"bytes"
	"fmt"
	"image/color"
	"os"

	"github.com/fogleman/gg"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	logging "ton-club-bot/internal/infra/log"
)

const (
	defaultSize   = 512
	captionHeight = 72.0
	fontSize      = 28.0
)

// fontPaths is searched in order; the built-in bitmap face is used when none loads
var fontPaths = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/truetype/liberation/LiberationSans-Bold.ttf",
	"/System/Library/Fonts/Supplemental/Arial Bold.ttf",
}

type Options struct {
	Size    int    // QR side in pixels
	Caption string // drawn under the code, optional
}

// Render returns a PNG with the QR code of content
func Render(content string, opts Options) ([]byte, error) {
	if content == "" {
		return nil, fmt.Errorf("empty qr content")
	}
	size := opts.Size
	if size <= 0 {
		size = defaultSize
	}

	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr: %w", err)
	}
	qr.BackgroundColor = color.White
	qr.ForegroundColor = color.Black

	height := size
	if opts.Caption != "" {
		height += int(captionHeight)
	}

	dc := gg.NewContext(size, height)
	dc.SetColor(color.White)
	dc.Clear()
	dc.DrawImage(qr.Image(size), 0, 0)

	if opts.Caption != "" {
		loadFont(dc)
		dc.SetColor(color.RGBA{0x1b, 0x1b, 0x1f, 0xff})
		dc.DrawStringAnchored(opts.Caption, float64(size)/2, float64(size)+captionHeight/2, 0.5, 0.5)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func loadFont(dc *gg.Context) {
	for _, path := range fontPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := dc.LoadFontFace(path, fontSize); err != nil {
			logging.LogWarn("Font file exists but failed to load", zap.String("path", path), zap.Error(err))
			continue
		}
		return
	}
	logging.LogDebug("No TTF font found, using built-in face")
}
