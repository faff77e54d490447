// Package monitor drives real-time protection: it watches folders for file
// events, polls for process starts and device attach, and hands each
// observation to the scanner. A suppression mode keeps the signature fast
// path running while deferring full scoring.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"github.com/dpcsec/sentinelx/pkg/engine"
	"github.com/dpcsec/sentinelx/pkg/vault"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// Scanner is the slice of the scan orchestrator the monitor drives.
type Scanner interface {
	ScanPath(ctx context.Context, path string, mode datamodel.ScanMode) error
	ScanProcess(ctx context.Context, pid int32) (*datamodel.Verdict, error)
	ScanDevice(ctx context.Context, deviceID string, mountpoint string) error
}

type Config struct {
	Paths            []string
	ProtectedFolders []string
	CoalescingWindow time.Duration
	ModificationWait time.Duration
	PollInterval     time.Duration
	RateLimit        float64
	Processes        bool
	Devices          bool
}

type eventKind int

const (
	eventFile eventKind = iota
	eventProcess
	eventDevice
)

type deferredEvent struct {
	kind       eventKind
	path       string
	pid        int32
	deviceID   string
	mountpoint string
}

type Monitor struct {
	watcher *fsnotify.Watcher
	conf    Config

	scanner Scanner
	engine  *engine.Engine
	guard   *vault.Guard

	limiter *rate.Limiter

	pendingLock sync.Mutex
	pending     map[string]time.Time

	suppressLock sync.Mutex
	suppressed   bool
	deferred     []deferredEvent

	knownPIDs   map[int32]bool
	knownMounts map[string]bool

	stop   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(conf Config, scanner Scanner, eng *engine.Engine, guard *vault.Guard) (m *Monitor, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	if conf.CoalescingWindow <= 0 {
		conf.CoalescingWindow = 2 * time.Second
	}
	if conf.ModificationWait <= 0 {
		conf.ModificationWait = 500 * time.Millisecond
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = 3 * time.Second
	}
	if conf.RateLimit <= 0 {
		conf.RateLimit = 200
	}
	stop, cancel := context.WithCancel(context.Background())
	m = &Monitor{
		watcher:     watcher,
		conf:        conf,
		scanner:     scanner,
		engine:      eng,
		guard:       guard,
		limiter:     rate.NewLimiter(rate.Limit(conf.RateLimit), int(conf.RateLimit)),
		pending:     map[string]time.Time{},
		knownPIDs:   map[int32]bool{},
		knownMounts: map[string]bool{},
		stop:        stop,
		cancel:      cancel,
	}
	for _, path := range conf.Paths {
		if err = m.Add(path); err != nil {
			cancel()
			_ = watcher.Close()
			return nil, err
		}
	}
	return
}

func (m *Monitor) Add(path string) error {
	return m.watcher.Add(path)
}

func (m *Monitor) Remove(path string) error {
	return m.watcher.Remove(path)
}

func (m *Monitor) Start() {
	m.wg.Go(m.work)
	m.wg.Go(m.scanPending)
	if m.conf.Processes {
		m.wg.Go(m.pollProcesses)
	}
	if m.conf.Devices {
		m.wg.Go(m.pollDevices)
	}
}

func (m *Monitor) Close() {
	_ = m.watcher.Close()
	m.cancel()
	m.wg.Wait()
}

// SetSuppressed toggles performance mode. While suppressed only the signature
// fast path runs on new events; full scoring is deferred in arrival order and
// drained when suppression lifts. Nothing is dropped.
func (m *Monitor) SetSuppressed(suppressed bool) {
	m.suppressLock.Lock()
	wasSuppressed := m.suppressed
	m.suppressed = suppressed
	var drained []deferredEvent
	if wasSuppressed && !suppressed {
		drained = m.deferred
		m.deferred = nil
	}
	m.suppressLock.Unlock()

	if len(drained) > 0 {
		logger.Info("suppression lifted, draining deferred events", slog.Int("events", len(drained)))
		for _, event := range drained {
			m.dispatch(event)
		}
	}
}

// deferEvent queues the event if suppression is active. Reports whether the
// event was deferred.
func (m *Monitor) deferEvent(event deferredEvent) bool {
	m.suppressLock.Lock()
	defer m.suppressLock.Unlock()
	if !m.suppressed {
		return false
	}
	m.deferred = append(m.deferred, event)
	return true
}

func (m *Monitor) work() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleFsEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (m *Monitor) handleFsEvent(event fsnotify.Event) {
	if !m.limiter.Allow() {
		logger.Warn("event storm, file event discarded", slog.String("file", event.Name))
		return
	}
	logger.Debug("file event", slog.String("event", event.String()))

	if event.Has(fsnotify.Rename) && vault.SuspiciousExtension(event.Name) && m.guard != nil {
		if _, err := m.guard.Observe(m.stop, vault.Activity{
			Path:      strings.TrimSuffix(event.Name, filepath.Ext(event.Name)),
			Op:        "rename",
			RenamedTo: event.Name,
		}); err != nil {
			logger.Error("guard observe error", slog.String("file", event.Name), slog.String("error", err.Error()))
		}
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		m.pendingLock.Lock()
		// keep the first arrival time so a write burst coalesces into one scan
		if _, ok := m.pending[event.Name]; !ok {
			m.pending[event.Name] = time.Now()
		}
		m.pendingLock.Unlock()
	}
}

var (
	ScanLoopPause = 100 * time.Millisecond
	Since         = time.Since
)

// scanPending drains coalesced file events once the file has settled.
func (m *Monitor) scanPending() {
	ticker := time.NewTicker(ScanLoopPause)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop.Done():
			return
		case <-ticker.C:
			m.flushSettled()
		}
	}
}

func (m *Monitor) flushSettled() {
	m.pendingLock.Lock()
	var ready []string
	for path, first := range m.pending {
		if Since(first) < m.conf.CoalescingWindow {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			// vanished before we got to it
			delete(m.pending, path)
			continue
		}
		if Since(info.ModTime()) < m.conf.ModificationWait {
			continue
		}
		ready = append(ready, path)
		delete(m.pending, path)
	}
	m.pendingLock.Unlock()

	for _, path := range ready {
		m.handleFile(path)
	}
}

func (m *Monitor) handleFile(path string) {
	if m.guard != nil && m.underProtectedFolder(path) {
		if _, err := m.guard.Observe(m.stop, vault.Activity{Path: path, Op: "write"}); err != nil {
			logger.Error("guard observe error", slog.String("file", path), slog.String("error", err.Error()))
		}
	}

	event := deferredEvent{kind: eventFile, path: path}
	if m.deferEvent(event) {
		// a signature hit jumps the queue for a full scan; pull the entry
		// back out so the drain does not scan the file a second time
		if m.fastPath(path) && m.undefer(path) {
			m.dispatch(event)
		}
		return
	}
	m.dispatch(event)
}

// fastPath runs the signature-only check on a deferred file so known threats
// are still caught while suppressed. Reports whether a rule fired.
func (m *Monitor) fastPath(path string) bool {
	if m.engine == nil {
		return false
	}
	obj, err := engine.CaptureFile(path)
	if err != nil {
		return false
	}
	defer obj.Release()
	rule, err := m.engine.FastPath(obj)
	if err != nil || rule == nil {
		return false
	}
	logger.Warn("signature hit while suppressed, scanning now",
		slog.String("file", path),
		slog.String("rule", rule.ID),
		slog.String("threat", rule.ThreatLabel),
	)
	return true
}

// undefer removes the queued entry for path and reports whether it was still
// queued. A false return means suppression already lifted and the drain owns
// the event.
func (m *Monitor) undefer(path string) bool {
	m.suppressLock.Lock()
	defer m.suppressLock.Unlock()
	for i := len(m.deferred) - 1; i >= 0; i-- {
		if m.deferred[i].kind == eventFile && m.deferred[i].path == path {
			m.deferred = append(m.deferred[:i], m.deferred[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Monitor) underProtectedFolder(path string) bool {
	for _, folder := range m.conf.ProtectedFolders {
		if rel, err := filepath.Rel(folder, path); err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

func (m *Monitor) dispatch(event deferredEvent) {
	var err error
	switch event.kind {
	case eventFile:
		err = m.scanner.ScanPath(m.stop, event.path, datamodel.ModeCustom)
	case eventProcess:
		_, err = m.scanner.ScanProcess(m.stop, event.pid)
	case eventDevice:
		err = m.scanner.ScanDevice(m.stop, event.deviceID, event.mountpoint)
	}
	if err != nil && m.stop.Err() == nil {
		logger.Error("could not scan event",
			slog.String("file", event.path),
			slog.String("error", err.Error()),
		)
	}
}
