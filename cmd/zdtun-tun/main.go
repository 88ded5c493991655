// Command zdtun-tun runs the NAT engine against a local TUN device.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"zdtun/internal/tunhost"
)

func main() {
	configPath := flag.String("config", "zdtun.yaml", "path to host config")
	flag.Parse()

	cfg, err := tunhost.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[zdtun] load config: %v", err)
	}

	host, err := tunhost.NewHost(cfg)
	if err != nil {
		log.Fatalf("[zdtun] new host: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[zdtun] serving tun device %s (mtu=%d)", cfg.Device, cfg.MTU)
	if err := host.Run(ctx); err != nil {
		log.Fatalf("[zdtun] run: %v", err)
	}
}
