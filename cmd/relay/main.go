// Command relay runs on or beside a display. It maintains a connection
// to the channel server and pushes received frames to the display sink.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jwulff/signage-sub002/internal/backoff"
	"github.com/jwulff/signage-sub002/internal/config"
	"github.com/jwulff/signage-sub002/internal/pixoo"
	"github.com/jwulff/signage-sub002/internal/protocol"
	"github.com/jwulff/signage-sub002/internal/relay"
	"github.com/jwulff/signage-sub002/internal/version"
)

func main() {
	cfg := config.LoadRelay()

	serverURL := flag.String("server", cfg.ServerURL, "Channel server WebSocket URL")
	kind := flag.String("kind", cfg.Kind, "Display sink: pixoo or emulator")
	deviceAddr := flag.String("device", cfg.DeviceAddr, "Pixoo device address (host or host:port)")
	terminalID := flag.String("terminal", cfg.TerminalID, "Terminal ID this display answers to")
	credential := flag.String("credential", cfg.Credential, "Credential issued at pairing")
	name := flag.String("name", cfg.Name, "Display name")
	flag.Parse()

	log.Printf("Relay v%s (built %s)", version.Version, version.BuildTime)
	log.Printf("Server: %s", *serverURL)

	if *name == "" {
		if host, err := os.Hostname(); err == nil {
			*name = host
		}
	}

	var sink relay.Sink
	switch *kind {
	case "pixoo":
		if *deviceAddr == "" {
			log.Fatal("Pixoo sink requires -device (or SIGNAGE_DEVICE_ADDR)")
		}
		sink = pixoo.NewSink(*deviceAddr)
		log.Printf("Sink: pixoo at %s", *deviceAddr)
	case "emulator":
		sink = NewEmulatorSink(os.Stdout)
		log.Printf("Sink: terminal emulator")
	default:
		log.Fatalf("Unknown sink kind %q (want pixoo or emulator)", *kind)
	}

	client := relay.NewClient(relay.Config{
		Dial: relay.WebSocketDialer(*serverURL),
		Sink: sink,
		Identity: protocol.ConnectPayload{
			Type:       *kind,
			Name:       *name,
			TerminalID: *terminalID,
			Credential: *credential,
		},
		Backoff: backoff.DefaultOptions(),
	})
	client.Connect()

	// SIGHUP re-arms a relay whose retry budget ran out; INT/TERM shut down.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			log.Printf("Received SIGHUP, resuming connection attempts")
			client.Resume()
			continue
		}
		log.Printf("Received %s, shutting down", sig)
		client.Shutdown()
		return
	}
}
