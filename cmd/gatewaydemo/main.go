// Package main runs a minimal helios-starling gateway over WebSocket: it
// upgrades incoming connections, wires each one to its own kernel Node, and
// registers an "echo:ping" method so the demo is reachable end to end
// without any application-specific wiring.
package main

// file: cmd/gatewaydemo/main.go

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/helios-starling/helios/internal/config"
	"github.com/helios-starling/helios/internal/framectx"
	"github.com/helios-starling/helios/internal/logging"
	"github.com/helios-starling/helios/internal/methods"
	"github.com/helios-starling/helios/internal/node"
	"github.com/helios-starling/helios/internal/wstransport"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[gatewaydemo] ")

	addr := ":8088"
	if v := os.Getenv("GATEWAYDEMO_ADDR"); v != "" {
		addr = v
	}

	if err := run(addr); err != nil {
		log.Fatalf("main: %+v", err)
	}
}

func run(addr string) error {
	logging.InitLogging(logging.LevelInfo, os.Stderr)
	logger := logging.NewSlogLogger(nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleConnection(w, r, logger)
	})

	server := &http.Server{Addr: addr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (ws endpoint: /ws)", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return errors.Wrap(err, "gatewaydemo: listen failed")
	case <-sigCh:
		log.Println("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// handleConnection upgrades one HTTP request to a WebSocket, builds a Node
// bound to it, registers the demo's single method, and blocks in the
// connection's read loop until the peer disconnects.
func handleConnection(w http.ResponseWriter, r *http.Request, logger logging.Logger) {
	cfg := config.Default()
	n := node.New(cfg, nil, logger)

	conn, err := wstransport.Upgrade(w, r, n, logger)
	if err != nil {
		logger.Error("gatewaydemo: upgrade failed", "error", err)
		return
	}
	n.SetTransport(conn)

	if err := n.RegisterMethod("echo:ping", func(ctx *framectx.RequestContext) {
		_ = ctx.Success(ctx.Payload())
	}, methods.Options{}); err != nil {
		logger.Error("gatewaydemo: failed to register echo:ping", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)
	defer n.Close("connection ended")

	conn.Serve()
}
