// acdprobe — RFC 5227 IPv4 address conflict detection daemon.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/athena-acd/athena-acd/internal/acd"
	"github.com/athena-acd/athena-acd/internal/acdaudit"
	"github.com/athena-acd/athena-acd/internal/acdconfig"
	"github.com/athena-acd/athena-acd/internal/acdevents"
	"github.com/athena-acd/athena-acd/internal/acdmetrics"
	"github.com/athena-acd/athena-acd/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sys/unix"
)

func main() {
	configPath := flag.String("config", "/etc/acdprobe/config.toml", "path to configuration file")
	debugPort := flag.String("debug-port", "", "enable pprof debug server on this port (e.g. 6060)")
	flag.Parse()

	if *debugPort != "" {
		runtime.SetMutexProfileFraction(5)
		runtime.SetBlockProfileRate(1)
		go func() {
			addr := "0.0.0.0:" + *debugPort
			fmt.Fprintf(os.Stderr, "pprof debug server on http://%s/debug/pprof/\n", addr)
			if err := nethttp.ListenAndServe(addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server failed: %v\n", err)
			}
		}()
	}

	cfg, err := acdconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Log.Level, os.Stdout)
	logger.Info("acdprobe starting", "config", *configPath, "interfaces", len(cfg.Interfaces))

	bus := acdevents.NewBus(2000, logger)
	go bus.Start()
	defer bus.Stop()

	var auditLog *acdaudit.Log
	if cfg.Audit.Enabled {
		db, err := bolt.Open(cfg.Audit.DBPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			logger.Error("failed to open audit database", "path", cfg.Audit.DBPath, "error", err)
		} else {
			defer db.Close()
			auditLog, err = acdaudit.NewLog(db, bus, logger)
			if err != nil {
				logger.Error("failed to initialize audit log", "error", err)
			} else {
				go auditLog.Start()
				defer auditLog.Stop()
			}
		}
	}

	if cfg.Metrics.Enabled {
		mux := nethttp.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		go func() {
			logger.Info("metrics server listening", "listen", cfg.Metrics.Listen)
			if err := nethttp.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	runners := make([]*ifaceRunner, 0, len(cfg.Interfaces))
	for _, ifaceCfg := range cfg.Interfaces {
		r, err := newIfaceRunner(ifaceCfg, bus, logger)
		if err != nil {
			logger.Error("failed to start interface", "interface", ifaceCfg.Name, "error", err)
			continue
		}
		runners = append(runners, r)
		go r.run()
	}

	if len(runners) == 0 {
		logger.Error("no interfaces started, exiting")
		os.Exit(1)
	}

	logger.Info("acdprobe ready", "interfaces", len(runners))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	for _, r := range runners {
		r.stop()
	}
	logger.Info("acdprobe stopped")
}

// ifaceRunner drives one acd.Context's dispatch loop for one configured
// interface, polling its readiness fd with epoll and translating popped
// engine events onto the shared acdevents.Bus.
type ifaceRunner struct {
	name    string
	ctx     *acd.Context
	epollFD int
	probes  map[*acd.Probe]acd.DefensePolicy
	bus     *acdevents.Bus
	logger  *slog.Logger
	done    chan struct{}
}

func newIfaceRunner(ifaceCfg acdconfig.InterfaceConfig, bus *acdevents.Bus, logger *slog.Logger) (*ifaceRunner, error) {
	ctx, err := acd.NewForInterface(ifaceCfg.Name)
	if err != nil {
		return nil, fmt.Errorf("opening context for %s: %w", ifaceCfg.Name, err)
	}

	epollFD, err := unix.EpollCreate1(0)
	if err != nil {
		ctx.Free()
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(ctx.GetFD())}
	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, ctx.GetFD(), &ev); err != nil {
		unix.Close(epollFD)
		ctx.Free()
		return nil, fmt.Errorf("registering context fd with epoll: %w", err)
	}

	r := &ifaceRunner{
		name:    ifaceCfg.Name,
		ctx:     ctx,
		epollFD: epollFD,
		probes:  make(map[*acd.Probe]acd.DefensePolicy),
		bus:     bus,
		logger:  logger,
		done:    make(chan struct{}),
	}

	for _, addrCfg := range ifaceCfg.Addresses {
		ip := net.ParseIP(addrCfg.IP)
		policy, err := parseDefensePolicy(addrCfg.DefensePolicy)
		if err != nil {
			logger.Warn("skipping address with invalid defense policy", "interface", ifaceCfg.Name, "ip", addrCfg.IP, "error", err)
			continue
		}
		probe, err := ctx.NewProbe(ip, addrCfg.TimeoutMs)
		if err != nil {
			logger.Warn("failed to start probe", "interface", ifaceCfg.Name, "ip", addrCfg.IP, "error", err)
			continue
		}
		acdmetrics.ProbesStarted.WithLabelValues(ifaceCfg.Name).Inc()
		acdmetrics.ProbesActive.WithLabelValues(ifaceCfg.Name).Inc()
		r.probes[probe] = policy
	}

	return r, nil
}

// run polls the context's readiness fd until stop is called, dispatching
// and draining popped events on every wakeup.
func (r *ifaceRunner) run() {
	events := make([]unix.EpollEvent, 4)
	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, err := unix.EpollWait(r.epollFD, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.logger.Error("epoll wait failed", "interface", r.name, "error", err)
			return
		}
		if n == 0 {
			continue
		}

		if err := r.ctx.Dispatch(); err != nil {
			r.logger.Error("dispatch failed, interface going down", "interface", r.name, "error", err)
		}
		r.drainEvents()
	}
}

func (r *ifaceRunner) drainEvents() {
	for {
		evt, ok := r.ctx.PopEvent()
		if !ok {
			return
		}
		r.handleEvent(evt)
	}
}

func (r *ifaceRunner) handleEvent(evt acd.Event) {
	var ip net.IP
	if evt.Probe != nil {
		ip = evt.Probe.IP()
	}

	busEvt := acdevents.Event{
		Type:      busType(evt.Kind),
		Timestamp: time.Now(),
		Interface: r.name,
		IP:        ip,
		Operation: evt.Operation,
		Sender:    evt.Sender,
	}
	r.bus.Publish(busEvt)

	switch evt.Kind {
	case acd.EventReady:
		acdmetrics.ProbeOutcomes.WithLabelValues(r.name, "ready").Inc()
		policy := r.probes[evt.Probe]
		r.logger.Info("address clear, announcing", "interface", r.name, "ip", ip.String(), "defense", int(policy))
		if err := evt.Probe.Announce(policy); err != nil {
			r.logger.Error("failed to announce", "interface", r.name, "ip", ip.String(), "error", err)
		}

	case acd.EventUsed:
		acdmetrics.ProbeOutcomes.WithLabelValues(r.name, "used").Inc()
		acdmetrics.ProbesActive.WithLabelValues(r.name).Dec()
		r.logger.Warn("address already in use", "interface", r.name, "ip", ip.String(), "sender", evt.Sender.String())
		delete(r.probes, evt.Probe)

	case acd.EventDefended:
		acdmetrics.ProbeOutcomes.WithLabelValues(r.name, "defended").Inc()
		acdmetrics.FramesSent.WithLabelValues(r.name, "defend").Inc()
		r.logger.Info("defended address", "interface", r.name, "ip", ip.String(), "sender", evt.Sender.String())

	case acd.EventConflict:
		acdmetrics.ProbeOutcomes.WithLabelValues(r.name, "conflict").Inc()
		acdmetrics.ProbesActive.WithLabelValues(r.name).Dec()
		r.logger.Warn("conflict, probe failed", "interface", r.name, "ip", ip.String(), "sender", evt.Sender.String())
		delete(r.probes, evt.Probe)

	case acd.EventDown:
		acdmetrics.ContextsDown.WithLabelValues(r.name).Inc()
		r.logger.Error("context down", "interface", r.name)
	}
}

func (r *ifaceRunner) stop() {
	close(r.done)
	unix.Close(r.epollFD)
	r.ctx.Free()
}

func busType(kind acd.EventKind) acdevents.Type {
	switch kind {
	case acd.EventReady:
		return acdevents.TypeReady
	case acd.EventUsed:
		return acdevents.TypeUsed
	case acd.EventDefended:
		return acdevents.TypeDefended
	case acd.EventConflict:
		return acdevents.TypeConflict
	default:
		return acdevents.TypeDown
	}
}

func parseDefensePolicy(s string) (acd.DefensePolicy, error) {
	switch s {
	case "never":
		return acd.DefenseNever, nil
	case "once":
		return acd.DefenseOnce, nil
	case "always":
		return acd.DefenseAlways, nil
	default:
		return 0, fmt.Errorf("unknown defense policy %q", s)
	}
}
