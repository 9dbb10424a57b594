package app

import (
	"context"
	"fmt"
	"image"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/orientation_bridge/internal/hub"
	"github.com/relabs-tech/orientation_bridge/internal/link"
	"github.com/relabs-tech/orientation_bridge/internal/orientation"
)

const (
	displayWidth  = 128
	displayHeight = 64
)

// RunDisplay draws the link status and orientation on an SSD1306 OLED
// until ctx is cancelled.
func RunDisplay(ctx context.Context, h *hub.Hub, addr uint16, interval time.Duration) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	bus, err := i2creg.Open("")
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(&addrBus{Bus: bus, addr: addr}, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Infof("display: initialized at 0x%02X", addr)

	if err := draw(dev, renderSplash()); err != nil {
		log.Warnf("display: error showing splash: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("display: starting update loop")
	for {
		select {
		case <-ctx.Done():
			if err := dev.Halt(); err != nil {
				log.Warnf("display: halt: %v", err)
			}
			return nil
		case <-ticker.C:
		}

		status, frame, ok := h.Snapshot()
		if err := draw(dev, renderStatus(status, frame, ok)); err != nil {
			log.Warnf("display: error updating display: %v", err)
		}
	}
}

// addrBus sends every transaction to addr. The upstream driver always
// talks to 0x3C.
type addrBus struct {
	i2c.Bus
	addr uint16
}

func (b *addrBus) Tx(_ uint16, w, r []byte) error { return b.Bus.Tx(b.addr, w, r) }

func draw(dev *ssd1306.Dev, img *image1bit.VerticalLSB) error {
	return dev.Draw(dev.Bounds(), img, image.Point{})
}

func newCanvas() (*image1bit.VerticalLSB, *font.Drawer) {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, displayWidth, displayHeight))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	return img, drawer
}

func drawLine(d *font.Drawer, x, y int, s string) {
	d.Dot = fixed.P(x, y)
	d.DrawString(s)
}

func renderSplash() *image1bit.VerticalLSB {
	img, d := newCanvas()
	drawLine(d, 5, 26, "Orientation")
	drawLine(d, 5, 43, "Bridge")
	drawLine(d, 5, 56, "Scanning...")
	return img
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// renderStatus draws the link state on the first line and the three
// angles below it.
func renderStatus(status link.Status, frame orientation.Frame, haveFrame bool) *image1bit.VerticalLSB {
	img, d := newCanvas()

	if status.Connected {
		drawLine(d, 0, 13, truncateRunes(status.DeviceName, 14))
	} else {
		drawLine(d, 0, 13, "BLE: offline")
	}

	if !haveFrame {
		drawLine(d, 0, 39, "Waiting...")
		return img
	}
	drawLine(d, 0, 26, fmt.Sprintf("X: %7.1f", frame.X))
	drawLine(d, 0, 39, fmt.Sprintf("Y: %7.1f", frame.Y))
	drawLine(d, 0, 52, fmt.Sprintf("Z: %7.1f", frame.Z))
	return img
}
