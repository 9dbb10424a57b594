// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/orientation_bridge/internal/config"
	"github.com/relabs-tech/orientation_bridge/internal/hub"
	"github.com/relabs-tech/orientation_bridge/internal/link"
)

// NewRadio returns the simulated radio when cfg asks for it and the host
// bluetooth adapter otherwise.
func NewRadio(cfg *config.Config) (link.Radio, error) {
	if cfg.UseSimulator {
		log.Infof("bridge: using simulated peripheral %q", cfg.DeviceName)
		return &link.SimRadio{DeviceName: cfg.DeviceName}, nil
	}
	r, err := link.NewBLERadio(cfg.BLEConfig())
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RunBridge runs the link manager and every enabled outer surface until
// ctx is cancelled or the link gives up. A link that gives up returns an
// error wrapping link.ErrLinkExhausted.
func RunBridge(ctx context.Context, cfg *config.Config, radio link.Radio) error {
	h := hub.New(cfg.SubscriberQueueSize)
	manager := link.NewManager(radio, h, h, cfg.LinkOptions())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// closing the hub ends every subscriber pump
		defer h.Close()
		if err := manager.Run(gctx); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		return nil
	})

	web := NewWebServer(h, cfg.WebServerPort, cfg.WebStaticDir)
	g.Go(func() error { return web.Run(gctx) })

	if cfg.MQTTBroker != "" {
		mirror := NewMQTTMirror(h, cfg)
		g.Go(func() error { return mirror.Run(gctx) })
	} else {
		log.Info("bridge: MQTT mirror disabled")
	}

	if cfg.DisplayI2CAddr != 0 {
		g.Go(func() error {
			err := RunDisplay(gctx, h, cfg.DisplayI2CAddr, time.Duration(cfg.DisplayUpdateInterval)*time.Millisecond)
			if err != nil {
				// the display is optional, keep bridging without it
				log.Errorf("display: %v", err)
			}
			return nil
		})
	}

	return g.Wait()
}
