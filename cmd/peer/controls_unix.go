//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/call"
)

// watchControls maps SIGUSR1 to a screen share toggle and SIGUSR2 to a
// camera flip.
func watchControls(ctx context.Context, ctl *call.Controller) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			switch s {
			case syscall.SIGUSR1:
				sharing, err := ctl.ToggleScreenShare(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("screen share toggle failed")
					continue
				}
				log.Info().Bool("sharing", sharing).Msg("screen share toggled")
			case syscall.SIGUSR2:
				if err := ctl.SwitchCamera(ctx); err != nil {
					log.Warn().Err(err).Msg("camera switch failed")
					continue
				}
				log.Info().Msg("camera switched")
			}
		}
	}
}
