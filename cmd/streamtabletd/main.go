// Command streamtabletd streams the local desktop to a tablet receiver
// over UDP, relaying touch, stylus, and keyboard input back through
// synthetic kernel input devices.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"streamtablet/internal/config"
	"streamtablet/internal/orchestrator"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Printf("streamtabletd: %v", err)
		os.Exit(config.ExitCodeForError(err))
	}
	if cfg.Verbosity >= 2 {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	if !cfg.NoAuth && cfg.Token == "" {
		log.Print("streamtabletd: --token is required unless --no-auth is set")
		os.Exit(2)
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		log.Printf("streamtabletd: %v", err)
		os.Exit(1)
	}
	defer orch.Close()

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("streamtabletd: received %s, shutting down", sig)
		close(stop)
		orch.Close()

		sig = <-sigCh
		log.Printf("streamtabletd: received %s again, forcing exit", sig)
		os.Exit(1)
	}()

	runErr := orch.Run(stop)
	orch.Close()
	if runErr != nil {
		log.Printf("streamtabletd: %v", runErr)
		os.Exit(1)
	}
}
