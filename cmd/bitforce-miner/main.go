// Command bitforce-miner wires the BitForce device driver and Stratum pool
// client cores together. CLI flag parsing stays intentionally thin here —
// the scheduler, share accounting, and stats API are external collaborators
// per spec.md's Non-goals and are not implemented by this module.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitforge/internal/config"
	"bitforge/internal/driver/bitforce"
	"bitforge/internal/logging"
	"bitforge/internal/pool"
	"bitforge/internal/work"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bitforce-miner:", err)
		os.Exit(1)
	}
}

func run() error {
	poolCfg, deviceCfg := config.MustLoad()
	log := logging.New(os.Getenv("BITFORCE_DEBUG") != "")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p := pool.New(poolCfg.URL, poolCfg.User, poolCfg.Password)
	host, port, err := parsePoolAddr(poolCfg.URL)
	if err != nil {
		return fmt.Errorf("pool address: %w", err)
	}
	if err := p.InitiateStratum(fmt.Sprintf("%s:%s", host, port)); err != nil {
		return fmt.Errorf("stratum connect: %w", err)
	}
	if err := p.AuthStratum(poolCfg.User, poolCfg.Password); err != nil {
		return fmt.Errorf("stratum auth: %w", err)
	}
	log.Infof("connected to %s as %s", poolCfg.URL, poolCfg.User)

	sched := &schedulerAdapter{pool: p, log: log}

	sess, err := bitforce.Open(deviceCfg.SerialPath, log, sched, deviceCfg.NonceRange, 0)
	if err != nil {
		return fmt.Errorf("device open: %w", err)
	}
	log.Infof("device %q detected", sess.Name)

	restart := bitforce.NewRestartSignal()
	go pumpNotifications(ctx, p, restart, log)

	threadID := 0
	time.Sleep(bitforce.ThreadStartupDelay(threadID))

	for ctx.Err() == nil {
		w := p.Work()
		if w.JobID == "" {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		unit := &work.Unit{JobID: w.JobID}
		sess.Scan(unit, restart)
		restart.Reset()
	}
	return nil
}

// pumpNotifications keeps reading Stratum lines and dispatching them so
// mining.notify/set_difficulty/reconnect/get_version updates flow into the
// pool session while the device loop runs.
func pumpNotifications(ctx context.Context, p *pool.Session, restart *bitforce.RestartSignal, log *logging.StdLogger) {
	for ctx.Err() == nil {
		line, err := p.RecvLine()
		if err != nil {
			log.Warnf("stratum read: %v", err)
			continue
		}
		p.DispatchLine(line, restart)
	}
}

// parsePoolAddr accepts "[scheme://]host:port" and defaults the port to 80
// per spec.md §6's URL parsing rules; IPv6 hosts in "[...]" form are handled
// by net.SplitHostPort directly.
func parsePoolAddr(rawURL string) (host, port string, err error) {
	trimmed := rawURL
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
	}
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	host, port, err = net.SplitHostPort(trimmed)
	if err != nil {
		return trimmed, "80", nil
	}
	return host, port, nil
}

type schedulerAdapter struct {
	pool *pool.Session
	log  *logging.StdLogger
}

func (a *schedulerAdapter) SubmitNonce(device, jobID string, nonce uint32) {
	a.log.Infof("device %s: candidate nonce %08x for job %s", device, nonce, jobID)
}

func (a *schedulerAdapter) RestartWait(ms int) {
	a.log.Debugf("restart_wait(%dms)", ms)
}

func (a *schedulerAdapter) DevError(device, reason string) {
	a.log.Errorf("device %s: %s", device, reason)
}
