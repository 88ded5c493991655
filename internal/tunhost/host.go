package tunhost

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/songgao/water"
	"golang.org/x/sys/unix"

	"zdtun/internal/nat"
)

// Host owns a TUN device and drives the single-threaded nat.Engine against
// it. All engine calls happen from Run's goroutine; the only other
// goroutine Host starts (readTun) never touches the engine, only a channel,
// preserving the engine's single-threaded contract (§5).
type Host struct {
	cfg    *Config
	iface  *water.Interface
	engine *nat.Engine
	tel    *telemetry

	inbound chan []byte
}

// NewHost opens the TUN device named by cfg.Device and constructs the NAT
// engine behind it. The device itself is assumed already up and routed by
// the caller (bringing up a TUN device's addressing is host/OS plumbing
// outside this package's concern).
func NewHost(cfg *Config) (*Host, error) {
	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Device,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tunhost: open tun %s: %w", cfg.Device, err)
	}

	h := &Host{cfg: cfg, iface: iface, inbound: make(chan []byte, 256)}
	engine, err := nat.NewEngine(h, nat.EngineConfig{
		DisableICMP:          cfg.DisableICMP,
		MaxWindowSize:        cfg.MaxWindowSize,
		MaxNumSockets:        cfg.MaxNumSockets,
		NumSocketsAfterPurge: cfg.NumSocketsAfterPurge,
		Fwmark:               cfg.Fwmark,
	})
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("tunhost: new engine: %w", err)
	}
	h.engine = engine
	h.tel = newTelemetry(engine)
	return h, nil
}

// Run drives the readiness loop until ctx is canceled (§4.9): it polls the
// engine's descriptor sets, services whichever are ready, drains packets
// read off the TUN device, and runs the periodic purge pass.
func (h *Host) Run(ctx context.Context) error {
	if h.cfg.MetricsAddr != "" {
		go func() {
			if err := h.tel.StartMetricsServer(ctx, h.cfg.MetricsAddr); err != nil {
				log.Printf("[tunhost] metrics server: %v", err)
			}
		}()
	}

	go h.readTun()

	purgeTicker := time.NewTicker(h.cfg.PurgeInterval)
	defer purgeTicker.Stop()
	defer h.engine.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case pkt := <-h.inbound:
			if _, err := h.engine.EasyForward(pkt); err != nil {
				log.Printf("[tunhost] forward: %v", err)
			}

		case now := <-purgeTicker.C:
			h.engine.PurgeExpired(now.Unix())

		default:
			h.pollOnce()
		}
	}
}

// pollOnce services at most one round of ready engine descriptors, blocking
// briefly so the select loop above doesn't busy-spin when there is nothing
// to read from the TUN device either.
func (h *Host) pollOnce() {
	rdFds, wrFds := h.engine.Fds()
	if len(rdFds) == 0 && len(wrFds) == 0 {
		time.Sleep(10 * time.Millisecond)
		return
	}

	pollFds := make([]unix.PollFd, 0, len(rdFds)+len(wrFds))
	index := make(map[int]int, len(rdFds)+len(wrFds))
	for _, fd := range rdFds {
		index[fd] = len(pollFds)
		pollFds = append(pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	for _, fd := range wrFds {
		if i, ok := index[fd]; ok {
			pollFds[i].Events |= unix.POLLOUT
			continue
		}
		index[fd] = len(pollFds)
		pollFds = append(pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLOUT})
	}

	n, err := unix.Poll(pollFds, 20)
	if err != nil || n == 0 {
		return
	}

	rd := make(map[int]struct{})
	wr := make(map[int]struct{})
	for _, pf := range pollFds {
		if pf.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			rd[int(pf.Fd)] = struct{}{}
		}
		if pf.Revents&unix.POLLOUT != 0 {
			wr[int(pf.Fd)] = struct{}{}
		}
	}
	h.engine.HandleFd(rd, wr)
}

func (h *Host) readTun() {
	buf := make([]byte, h.cfg.MTU+64)
	for {
		n, err := h.iface.Read(buf)
		if err != nil {
			log.Printf("[tunhost] tun read: %v", err)
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		h.inbound <- frame
	}
}

// --- nat.Callbacks ---

func (h *Host) SendClient(pkt []byte, _ *nat.Flow) error {
	_, err := h.iface.Write(pkt)
	return err
}

func (h *Host) OnConnectionOpen(f *nat.Flow) error { return nil }

func (h *Host) OnConnectionClose(f *nat.Flow) {}

func (h *Host) OnSocketOpen(fd int) {}

func (h *Host) OnSocketClose(fd int) {}

func (h *Host) AccountPacket(pkt []byte, toClient bool, f *nat.Flow) {}
