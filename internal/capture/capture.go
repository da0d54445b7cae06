//go:build linux

// Package capture implements the desktop capture sources: an X11/XShm
// backend and an xdg-desktop-portal/PipeWire backend for Wayland sessions.
package capture

import (
	"fmt"
	"log"
	"os"

	"streamtablet/internal/types"
)

// NewCapturer opens a capture source according to the requested backend.
// CaptureAuto prefers the portal source under a Wayland session and X11
// otherwise, and tries the other backend once if the preferred backend's
// Open fails — a documented fallback, not a silent one.
func NewCapturer(backend types.CaptureBackend, displayName string) (types.MediaCapturer, error) {
	switch backend {
	case types.CaptureX11:
		return OpenX11(displayName)
	case types.CapturePortal:
		return OpenPortal()
	case types.CaptureAuto:
		if isWaylandSession() {
			if c, err := OpenPortal(); err == nil {
				return c, nil
			} else {
				log.Printf("capture: portal backend failed (%v), falling back to X11", err)
			}
			return OpenX11(displayName)
		}
		if c, err := OpenX11(displayName); err == nil {
			return c, nil
		} else {
			log.Printf("capture: X11 backend failed (%v), trying portal", err)
		}
		return OpenPortal()
	default:
		return nil, fmt.Errorf("capture: unknown backend %v", backend)
	}
}

func isWaylandSession() bool {
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return true
	}
	return os.Getenv("XDG_SESSION_TYPE") == "wayland"
}
