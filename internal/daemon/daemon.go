// Package daemon wires the switch together and runs the dispatch loop:
// one goroutine servicing port notifications, capability revocations and
// the deferred-delivery deadline, with no locking on switch state.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/tevino/abool"

	"firestige.xyz/vswitch/internal/command"
	"firestige.xyz/vswitch/internal/config"
	"firestige.xyz/vswitch/internal/factory"
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/stats"
	"firestige.xyz/vswitch/internal/virtq"
	"firestige.xyz/vswitch/internal/vswitch"
)

// Daemon owns the switch, the factory, the statistics mirror and the
// control/metrics servers.
type Daemon struct {
	cfg     *config.Config
	sw      *vswitch.Switch
	factory *factory.Factory
	mirror  *stats.Mirror

	irqCh    chan *vswitch.Port
	revokeCh chan struct{}
	workCh   chan func()
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	irqFlags map[*vswitch.Port]*abool.AtomicBool
	handles  map[string]*factory.PortHandle

	uds     *command.UDSServer
	metrics *metrics.Server
	logger  log.Logger
}

// New builds a daemon from a validated configuration.
func New(cfg *config.Config) (*Daemon, error) {
	mirror, err := stats.New(cfg.Stats.Page, cfg.Switch.MaxPorts+1)
	if err != nil {
		return nil, err
	}

	monitorFilter, err := vswitch.NewMonitorFilter(cfg.Switch.MonitorFilter)
	if err != nil {
		mirror.Close()
		return nil, err
	}

	sw := vswitch.New(vswitch.Options{
		MaxPorts:     cfg.Switch.MaxPorts,
		MacTableSize: cfg.Switch.MacTableSize,
		Retention:    cfg.Switch.RequestTimeout.Std(),
		Filter:       monitorFilter,
	}, mirror)

	d := &Daemon{
		cfg:      cfg,
		sw:       sw,
		mirror:   mirror,
		irqCh:    make(chan *vswitch.Port, cfg.Switch.MaxPorts*4+16),
		revokeCh: make(chan struct{}, 1),
		workCh:   make(chan func()),
		stopCh:   make(chan struct{}),
		irqFlags: make(map[*vswitch.Port]*abool.AtomicBool),
		handles:  make(map[string]*factory.PortHandle),
		logger:   log.Component("core"),
	}

	d.factory = factory.New(sw, cfg.Switch, d.notifyIRQ)
	d.factory.OnRevoke(d.notifyRevoke)

	if len(cfg.Switch.TrustedRegions) > 0 {
		validator, err := trustedRegionValidator(cfg.Switch.TrustedRegions)
		if err != nil {
			mirror.Close()
			return nil, err
		}
		d.factory.SetValidator(validator)
	}
	return d, nil
}

// trustedRegionValidator restricts client memory registration to a fixed
// set of base addresses, the moral equivalent of the trusted-dataspace
// list handed to the original switch on its command line.
func trustedRegionValidator(bases []string) (virtq.RegionValidator, error) {
	trusted := make(map[uint64]struct{}, len(bases))
	for _, s := range bases {
		base, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted region base %q: %w", s, err)
		}
		trusted[base] = struct{}{}
	}
	return func(r virtq.MemRegion) error {
		if _, ok := trusted[r.Base]; !ok {
			return virtq.ErrRegionRejected
		}
		return nil
	}, nil
}

// Factory exposes the port factory for in-process clients and tests.
func (d *Daemon) Factory() *factory.Factory { return d.factory }

// Switch exposes the switch, mainly for tests.
func (d *Daemon) Switch() *vswitch.Switch { return d.sw }

// notifyIRQ coalesces client kicks: while a port's notification is queued,
// further kicks fold into it, bounding the channel by the port count.
func (d *Daemon) notifyIRQ(p *vswitch.Port) {
	d.mu.Lock()
	fl, ok := d.irqFlags[p]
	if !ok {
		fl = abool.New()
		d.irqFlags[p] = fl
	}
	d.mu.Unlock()

	if fl.SetToIf(false, true) {
		d.irqCh <- p
	}
}

func (d *Daemon) notifyRevoke() {
	select {
	case d.revokeCh <- struct{}{}:
	default:
	}
}

// do runs fn on the dispatch goroutine and waits for it, keeping all
// switch mutation single-threaded.
func (d *Daemon) do(fn func()) {
	done := make(chan struct{})
	select {
	case d.workCh <- func() { fn(); close(done) }:
		<-done
	case <-d.stopCh:
	}
}

// Run starts the servers and the dispatch loop and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writePIDFile(); err != nil {
		return err
	}
	defer os.Remove(d.cfg.Control.PIDFile)
	defer d.mirror.Close()

	handler := command.NewHandler(d)
	d.uds = command.NewUDSServer(d.cfg.Control.Socket, handler)
	if err := d.uds.Start(ctx); err != nil {
		return err
	}
	defer d.uds.Stop()

	if d.cfg.Metrics.Enabled {
		d.metrics = metrics.NewServer(d.cfg.Metrics.Addr, d.cfg.Metrics.Path)
		if err := d.metrics.Start(ctx); err != nil {
			return err
		}
		defer d.metrics.Stop(context.Background())
	}

	for _, pc := range d.cfg.Ports {
		handle, err := d.factory.CreateConfigured(pc)
		if err != nil {
			return fmt.Errorf("creating configured port %q: %w", pc.Name, err)
		}
		d.handles[handle.ID()] = handle
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	d.logger.Info("switch dispatch loop running")
	d.loop(ctx, sigCh)
	d.logger.Info("switch dispatch loop stopped")
	return nil
}

func (d *Daemon) loop(ctx context.Context, sigCh <-chan os.Signal) {
	ticker := time.NewTicker(d.cfg.Switch.RequestTimeout.Std() / 2)
	defer ticker.Stop()

	for {
		select {
		case port := <-d.irqCh:
			d.mu.Lock()
			if fl, ok := d.irqFlags[port]; ok {
				fl.UnSet()
			}
			d.mu.Unlock()
			d.sw.HandlePortIRQ(port)

		case <-d.revokeCh:
			d.sw.CheckPorts()
			d.pruneHandles()

		case fn := <-d.workCh:
			fn()

		case <-ticker.C:
			d.sw.ExpireDeferred()

		case sig := <-sigCh:
			d.logger.Infof("received signal %v, shutting down", sig)
			return
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		}
	}
}

func (d *Daemon) pruneHandles() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, h := range d.handles {
		if h.Revoked() {
			delete(d.handles, id)
		}
	}
}

func (d *Daemon) writePIDFile() error {
	path := d.cfg.Control.PIDFile
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// StatsSnapshot implements command.Backend.
func (d *Daemon) StatsSnapshot() (uint64, []stats.Snapshot) {
	var age uint64
	var snap []stats.Snapshot
	d.do(func() {
		age = d.mirror.Age()
		snap = d.mirror.Snapshot()
	})
	return age, snap
}

// StatsSync implements command.Backend.
func (d *Daemon) StatsSync() uint64 {
	var age uint64
	d.do(func() {
		d.mirror.Sync()
		age = d.mirror.Age()
	})
	return age
}

// CreatePort implements command.Backend: the factory protocol invoked over
// the control socket.
func (d *Daemon) CreatePort(opts []string) (command.PortInfo, error) {
	var info command.PortInfo
	var err error
	d.do(func() {
		var handle *factory.PortHandle
		handle, err = d.factory.CreatePort(0, opts)
		if err != nil {
			return
		}
		d.handles[handle.ID()] = handle
		info = command.PortInfo{
			ID:   handle.ID(),
			Name: handle.Name(),
			Mac:  handle.Mac().String(),
		}
	})
	return info, err
}

// Shutdown implements command.Backend. The stop is slightly deferred so
// the control connection can flush its reply first.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() {
		go func() {
			time.Sleep(50 * time.Millisecond)
			close(d.stopCh)
		}()
	})
}
