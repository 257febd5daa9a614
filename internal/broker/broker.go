// Package broker implements the owner daemon: the single process allowed
// to mutate pool documents and ledgers. HTTP annotation servers reach it
// through the framed unix-socket RPC; a flock PID lock keeps the ownership
// exclusive per state root.
package broker

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/annolab/annobroker/internal/assigner"
	"github.com/annolab/annobroker/internal/events"
	"github.com/annolab/annobroker/internal/ledger"
	"github.com/annolab/annobroker/internal/lock"
	"github.com/annolab/annobroker/internal/model"
	"github.com/annolab/annobroker/internal/rpc"
	"github.com/annolab/annobroker/internal/store"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Broker is the annobroker daemon process.
type Broker struct {
	root     string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *rpc.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker
	lockMap  *lock.MutexMap

	store    *store.Store
	ledger   *ledger.Ledger
	assigner *assigner.Assigner
	bus      *events.Bus
	audit    *events.AuditLogger

	startedAt time.Time

	// invariant status per domain, updated by revalidation passes
	invMu       sync.Mutex
	invariants  map[model.Domain]string
	lastReloads map[model.Domain]time.Time

	// Debounce state for fsnotify-triggered revalidation
	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Broker logging to logs/broker.log under the state root.
func New(root string, cfg model.Config) (*Broker, error) {
	logPath := filepath.Join(root, "logs", "broker.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open broker log: %w", err)
	}

	return newBroker(root, cfg, logFile, logFile)
}

// newBroker is the internal constructor for testing.
func newBroker(root string, cfg model.Config, w io.Writer, closer io.Closer) (*Broker, error) {
	ctx, cancel := context.WithCancel(context.Background())

	st := store.New(root)
	ld := ledger.New(root)

	audit, err := events.NewAuditLogger(filepath.Join(root, "logs", "events"+events.LogFileExtension), cfg.Limits.MaxEventLogBytes)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	b := &Broker{
		root:        root,
		config:      cfg,
		logLevel:    parseLogLevel(cfg.Logging.Level),
		logger:      log.New(w, "", 0),
		logFile:     closer,
		fileLock:    lock.NewFileLock(filepath.Join(root, "locks", "broker.lock")),
		server:      rpc.NewServer(SocketPath(root)),
		lockMap:     lock.NewMutexMap(),
		store:       st,
		ledger:      ld,
		assigner:    assigner.New(st, ld),
		bus:         events.NewBus(0),
		audit:       audit,
		invariants:  make(map[model.Domain]string),
		lastReloads: make(map[model.Domain]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.HTTP.RPCTimeoutSec > 0 {
		b.server.SetConnTimeout(time.Duration(cfg.HTTP.RPCTimeoutSec) * time.Second)
	}
	b.server.SetLogger(func(format string, args ...any) {
		b.log(LogLevelWarn, "rpc: "+format, args...)
	})

	scanInterval := cfg.Daemon.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 60
	}
	b.ticker = time.NewTicker(time.Duration(scanInterval) * time.Second)

	return b, nil
}

// SocketPath returns the broker socket path for a state root.
func SocketPath(root string) string {
	return filepath.Join(root, rpc.DefaultSocketName)
}

// Run starts the broker and blocks until shutdown completes.
func (b *Broker) Run() error {
	if err := b.Start(); err != nil {
		return err
	}

	// Background loops
	b.wg.Add(2)
	go b.fsnotifyLoop()
	go b.tickerLoop()

	// Initial invariant pass
	b.revalidatePools()
	b.log(LogLevelInfo, "broker ready")

	// Wait for signals
	b.waitSignals()

	return nil
}

// Start acquires the owner lock, wires the audit subscriber, and starts the
// RPC server. It does not start the watcher/revalidation loops or block on
// signals; Run is the full daemon entrypoint. Exposed for tests and
// embedders that drive the broker inside another process.
func (b *Broker) Start() error {
	// Step 1: Acquire the single-owner lock
	if err := os.MkdirAll(filepath.Join(b.root, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := b.fileLock.TryLock(); err != nil {
		return fmt.Errorf("broker lock: %w", err)
	}
	b.log(LogLevelInfo, "broker starting pid=%d root=%s", os.Getpid(), b.root)

	// Step 2: Watch the pools directory for external replacement
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	b.watcher = watcher

	poolsDir := b.store.Dir()
	if err := os.MkdirAll(poolsDir, 0755); err != nil {
		b.cleanup()
		return fmt.Errorf("ensure pools dir: %w", err)
	}
	if err := watcher.Add(poolsDir); err != nil {
		b.cleanup()
		return fmt.Errorf("watch %s: %w", poolsDir, err)
	}

	// Step 3: Wire the audit subscriber
	for _, et := range []events.EventType{
		events.EventAssigned, events.EventReverted, events.EventSaved, events.EventDrawback,
	} {
		b.bus.Subscribe(et, func(ev events.Event) {
			if err := b.audit.Record(ev); err != nil {
				b.log(LogLevelWarn, "audit_write error=%v", err)
			}
		})
	}

	// Step 4: Register RPC handlers and start serving
	b.registerHandlers()
	if err := b.server.Start(); err != nil {
		b.cleanup()
		return fmt.Errorf("start rpc server: %w", err)
	}
	b.log(LogLevelInfo, "rpc server listening on %s", SocketPath(b.root))

	b.startedAt = time.Now()
	return nil
}

// fsnotifyLoop reacts to external writes to the pool documents (operator
// re-seed) by scheduling a debounced revalidation.
func (b *Broker) fsnotifyLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				b.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				b.debounceRevalidate()
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (b *Broker) debounceRevalidate() {
	debounceSec := b.config.Daemon.DebounceSec
	if debounceSec <= 0 {
		debounceSec = 0.5
	}

	b.debounceMu.Lock()
	defer b.debounceMu.Unlock()

	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}

	b.debounceTimer = time.AfterFunc(
		time.Duration(debounceSec*float64(time.Second)),
		b.revalidatePools,
	)
}

// tickerLoop revalidates pool invariants at configured intervals.
func (b *Broker) tickerLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.ticker.C:
			b.log(LogLevelDebug, "periodic revalidation triggered")
			b.revalidatePools()
		}
	}
}

// revalidatePools reloads every seeded pool document under its domain mutex
// and records the partition-invariant status surfaced by the stats command.
func (b *Broker) revalidatePools() {
	for _, domain := range model.Domains() {
		if !b.store.Exists(domain) {
			continue
		}

		b.lockMap.Lock(string(domain))
		_, err := b.store.Load(domain)
		b.lockMap.Unlock(string(domain))

		status := "ok"
		if err != nil {
			status = err.Error()
			b.log(LogLevelError, "revalidate domain=%s error=%v", domain, err)
		} else {
			b.log(LogLevelDebug, "revalidate domain=%s ok", domain)
		}

		b.invMu.Lock()
		b.invariants[domain] = status
		b.lastReloads[domain] = time.Now()
		b.invMu.Unlock()
	}
}

// waitSignals blocks until a shutdown signal is received.
func (b *Broker) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	b.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		b.log(LogLevelWarn, "received second signal, forcing exit")
		b.forceExit.Store(true)
		os.Exit(1)
	}()

	b.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (b *Broker) Shutdown() {
	b.shutdown.Do(func() {
		b.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		b.cancel()

		// 2. Stop producers
		b.ticker.Stop()
		if b.watcher != nil {
			b.watcher.Close()
		}
		if b.server != nil {
			b.server.Stop()
		}

		// 3. Drain in-flight with timeout
		timeout := b.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			b.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			b.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		b.bus.Close()
		b.cleanup()
		b.log(LogLevelInfo, "broker stopped")
	})
}

// cleanup releases resources.
func (b *Broker) cleanup() {
	os.Remove(SocketPath(b.root))
	b.fileLock.Unlock()
	if b.audit != nil {
		b.audit.Close()
	}
	if b.logFile != nil {
		b.logFile.Close()
	}
}

func (b *Broker) log(level LogLevel, format string, args ...any) {
	if level < b.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	b.logger.Printf("%s %s broker: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
