// Package scanner orchestrates scan runs: it walks targets, feeds a bounded
// worker pool, evaluates each object through the detection engine and drives
// the action pipeline on every verdict.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dpcsec/sentinelx/pkg/auditlog"
	"github.com/dpcsec/sentinelx/pkg/cache"
	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"github.com/dpcsec/sentinelx/pkg/dna"
	"github.com/dpcsec/sentinelx/pkg/engine"
	"github.com/dpcsec/sentinelx/pkg/feed"
	"github.com/dpcsec/sentinelx/pkg/quarantine"
	"github.com/dpcsec/sentinelx/pkg/signature"
	"github.com/dpcsec/sentinelx/pkg/vault"
	"github.com/google/uuid"
)

const actionTimeout = 30 * time.Second

var (
	LogLevel = &slog.LevelVar{}
	logger   = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: LogLevel}))
	// ConsoleLogger carries operator-facing detection messages. Discarded
	// unless the CLI swaps a real handler in.
	ConsoleLogger = slog.New(slog.DiscardHandler)
)

const (
	logReasonKey = "reason"
	logErrorKey  = "error"
)

type Config struct {
	Workers          int
	ExtractWorkers   int
	MaxFileSize      int64
	Extract          bool
	FollowSymlinks   bool
	ProtectedFolders []string
	Actions          Actions
	CustomActions    []Action
}

// Deps are the wired detection and protection components.
type Deps struct {
	Engine      *engine.Engine
	Signatures  *signature.Matcher
	Corpus      *dna.Corpus
	Quarantiner quarantine.Quarantiner
	Vault       vault.Vaulter
	Verdicts    cache.Cacher
	AuditLog    *auditlog.Log
	Feed        *feed.Feed
}

type fileToScan struct {
	location string
	sha256   string
	size     int64
	mode     datamodel.ScanMode
}

type archiveToScan struct {
	location string
	sha256   string
	size     int64
}

type Scanner struct {
	deps   Deps
	config Config
	action Action

	started bool

	stopWorker  chan struct{}
	stopExtract chan struct{}
	workerWg    sync.WaitGroup
	extractWg   sync.WaitGroup
	fileChan    chan fileToScan
	archiveChan chan archiveToScan

	ongoingAnalysis *sync.Map

	reportMu sync.Mutex
	report   *datamodel.Report
}

const (
	defaultMaxFileSize    int64 = 32 * 1024 * 1024
	defaultWorkers              = 4
	defaultExtractWorkers       = 2
)

func New(config Config, deps Deps) *Scanner {
	if config.Workers < 1 {
		config.Workers = defaultWorkers
	}
	if config.ExtractWorkers < 1 {
		config.ExtractWorkers = defaultExtractWorkers
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = defaultMaxFileSize
	}
	s := &Scanner{
		deps:            deps,
		config:          config,
		fileChan:        make(chan fileToScan),
		archiveChan:     make(chan archiveToScan),
		stopWorker:      make(chan struct{}),
		stopExtract:     make(chan struct{}),
		ongoingAnalysis: new(sync.Map),
	}
	s.action = newAction(config, deps)
	s.resetReport(datamodel.ModeCustom)
	return s
}

func newAction(config Config, deps Deps) *MultiAction {
	action := NewMultiAction()
	if config.Actions.Log {
		action.Actions = append(action.Actions, &LogAction{logger: logger})
	}
	if config.Actions.Quarantine && deps.Quarantiner != nil {
		action.Actions = append(action.Actions, NewQuarantineAction(deps.Quarantiner))
	}
	if config.Actions.Protect && deps.Vault != nil {
		action.Actions = append(action.Actions, NewProtectAction(deps.Vault, config.ProtectedFolders))
	}
	action.Actions = append(action.Actions, NewAuditAction(deps.AuditLog, deps.Feed))
	action.Actions = append(action.Actions, config.CustomActions...)
	action.Actions = append(action.Actions, &ReportAction{})
	return action
}

func (s *Scanner) Start() (err error) {
	s.started = true
	for range s.config.Workers {
		s.workerWg.Go(func() { s.worker() })
	}
	for range s.config.ExtractWorkers {
		s.extractWg.Go(func() { s.extractWorker() })
	}
	return
}

func (s *Scanner) Close() {
	s.started = false

	close(s.stopExtract)
	s.extractWg.Wait()

	close(s.stopWorker)
	s.workerWg.Wait()
}

// Wait blocks until every enqueued object has been judged or ctx expires.
func (s *Scanner) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		empty := true
		s.ongoingAnalysis.Range(func(_, _ any) bool {
			empty = false
			return false
		})
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scanner) resetReport(mode datamodel.ScanMode) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	s.report = &datamodel.Report{
		ScanID: uuid.NewString(),
		Mode:   mode,
		Start:  datamodel.Now(),
	}
}

// Report closes out and returns the current run report.
func (s *Scanner) Report() *datamodel.Report {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	s.report.End = datamodel.Now()
	return s.report
}

// Scan runs one scan in the requested mode. Quick mode ignores paths and
// covers the critical system areas; the other modes walk the given targets.
func (s *Scanner) Scan(ctx context.Context, mode datamodel.ScanMode, paths ...string) (err error) {
	s.resetReport(mode)
	switch mode {
	case datamodel.ModeQuick:
		return s.scanQuick(ctx)
	case datamodel.ModeDeep, datamodel.ModeCustom, datamodel.ModeHeuristic:
		for _, path := range paths {
			if scanErr := s.ScanPath(ctx, path, mode); scanErr != nil {
				err = errors.Join(err, scanErr)
			}
		}
		return
	default:
		return fmt.Errorf("unknown scan mode %q", mode)
	}
}

// scanQuick walks the critical paths two levels deep and only considers
// extensions malware commonly ships with.
func (s *Scanner) scanQuick(ctx context.Context) (err error) {
	for _, root := range CriticalPaths() {
		if _, statErr := os.Stat(root); statErr != nil {
			continue
		}
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if ctx.Err() != nil {
				return filepath.SkipAll
			}
			if d.IsDir() {
				if pathDepth(root, path) > 2 {
					return filepath.SkipDir
				}
				return nil
			}
			if !executableExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			if scanErr := s.ScanPath(ctx, path, datamodel.ModeQuick); scanErr != nil {
				logger.Error("could not scan file", slog.String("file", path), slog.String(logErrorKey, scanErr.Error()))
			}
			return nil
		})
		err = errors.Join(err, walkErr)
	}
	return
}

func pathDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// ScanPath enqueues one file, or walks a directory, in the given mode.
func (s *Scanner) ScanPath(ctx context.Context, input string, mode datamodel.ScanMode) (err error) {
	if !s.started {
		err = errors.New("scanner is stopped")
		return
	}

	input = filepath.Clean(input)
	inputLogger := logger.With(slog.String("input file", input))

	linfo, err := os.Lstat(input)
	if err != nil {
		return
	}
	if linfo.Mode()&os.ModeSymlink != 0 && !s.config.FollowSymlinks {
		inputLogger.Debug("skip file", slog.String(logReasonKey, "symbolic link"))
		return
	}

	info, err := os.Stat(input)
	if err != nil {
		return
	}
	if info.IsDir() {
		return s.scanDir(ctx, input, mode)
	}
	if info.Size() == 0 {
		inputLogger.Debug("skip file", slog.String(logReasonKey, "size 0"))
		return
	}

	if _, loaded := s.ongoingAnalysis.LoadOrStore(input, struct{}{}); loaded {
		inputLogger.Debug("skip file", slog.String(logReasonKey, "ongoing analysis"))
		return
	}
	defer func() {
		if err != nil {
			s.ongoingAnalysis.Delete(input)
		}
	}()

	fileSHA256, err := getFileSHA256(input)
	if err != nil {
		return
	}

	if s.extractable(input, info.Size(), mode) {
		select {
		case <-ctx.Done():
			return context.Canceled
		case s.archiveChan <- archiveToScan{location: input, sha256: fileSHA256, size: info.Size()}:
			return
		}
	}

	select {
	case <-ctx.Done():
		return context.Canceled
	case s.fileChan <- fileToScan{location: input, sha256: fileSHA256, size: info.Size(), mode: mode}:
		return
	}
}

func (s *Scanner) extractable(path string, size int64, mode datamodel.ScanMode) bool {
	if mode != datamodel.ModeDeep && !s.config.Extract {
		return false
	}
	return isArchive(path) || size > s.config.MaxFileSize
}

func (s *Scanner) scanDir(ctx context.Context, input string, mode datamodel.ScanMode) (err error) {
	// WalkDir mishandles paths without a trailing separator
	input += string(filepath.Separator)
	err = filepath.WalkDir(input, func(path string, d fs.DirEntry, walkErr error) (err error) {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return
		}
		if err = s.ScanPath(ctx, path, mode); err != nil {
			logger.Error("could not scan file", slog.String("file", path), slog.String(logErrorKey, err.Error()))
			err = nil
		}
		return
	})
	return
}

// ScanProcess captures and evaluates a running process synchronously.
func (s *Scanner) ScanProcess(ctx context.Context, pid int32) (verdict *datamodel.Verdict, err error) {
	obj, err := engine.CaptureProcess(pid)
	if err != nil {
		return
	}
	return s.evaluate(ctx, obj, datamodel.ModeHeuristic)
}

// ScanDevice walks a newly attached device's mountpoint in deep mode, so
// archives riding on removable media are opened too.
func (s *Scanner) ScanDevice(ctx context.Context, deviceID string, mountpoint string) (err error) {
	logger.Info("device scan", slog.String("device", deviceID), slog.String("mountpoint", mountpoint))
	return s.ScanPath(ctx, mountpoint, datamodel.ModeDeep)
}

func (s *Scanner) worker() {
	for {
		select {
		case <-s.stopWorker:
			return
		case input := <-s.fileChan:
			s.processFile(input)
			s.ongoingAnalysis.Delete(input.location)
		}
	}
}

func (s *Scanner) processFile(input fileToScan) {
	inputLogger := logger.With(slog.String("file", input.location))

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if verdict := s.cachedVerdict(input); verdict != nil {
		s.handleVerdict(ctx, verdict)
		return
	}

	obj, err := engine.CaptureFile(input.location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			inputLogger.Debug("skip file", slog.String(logReasonKey, "vanished before analysis"))
			return
		}
		inputLogger.Error("could not capture file", slog.String(logErrorKey, err.Error()))
		return
	}
	defer obj.Release()
	// carry the digest computed at enqueue time: the engine only reads a
	// bounded prefix, so hashing there would misidentify large files
	obj.SHA256 = input.sha256

	verdict, err := s.deps.Engine.Evaluate(ctx, obj)
	if err != nil {
		if errors.Is(err, engine.ErrObjectVanished) {
			inputLogger.Debug("skip file", slog.String(logReasonKey, "vanished during analysis"))
			return
		}
		inputLogger.Error("could not evaluate file", slog.String(logErrorKey, err.Error()))
		return
	}

	s.storeVerdict(input, verdict)
	s.handleVerdict(ctx, verdict)
}

func (s *Scanner) evaluate(ctx context.Context, obj *datamodel.ScanObject, mode datamodel.ScanMode) (verdict *datamodel.Verdict, err error) {
	defer obj.Release()
	verdict, err = s.deps.Engine.Evaluate(ctx, obj)
	if err != nil {
		if errors.Is(err, engine.ErrObjectVanished) {
			logger.Debug("skip object", slog.String("object", obj.Identity()), slog.String(logReasonKey, "vanished during analysis"))
			err = nil
		}
		return
	}
	s.handleVerdict(ctx, verdict)
	return
}

func (s *Scanner) handleVerdict(ctx context.Context, verdict *datamodel.Verdict) {
	s.reportMu.Lock()
	report := s.report
	s.reportMu.Unlock()
	if err := s.action.Handle(ctx, verdict, report); err != nil {
		logger.Error("could not handle verdict action",
			slog.String("object", verdict.Identity),
			slog.String(logErrorKey, err.Error()),
		)
	}
}

// ruleVersion pins cached verdicts to the rule material that produced them.
func (s *Scanner) ruleVersion() string {
	if s.deps.Signatures == nil || s.deps.Corpus == nil {
		return ""
	}
	return s.deps.Signatures.Version() + "/" + s.deps.Corpus.Version()
}

// cachedVerdict replays a memoized verdict for an unchanged file. Heuristic
// mode always rescores, so it bypasses the cache.
func (s *Scanner) cachedVerdict(input fileToScan) *datamodel.Verdict {
	if s.deps.Verdicts == nil || input.mode == datamodel.ModeHeuristic {
		return nil
	}
	version := s.ruleVersion()
	if version == "" {
		return nil
	}
	entry, err := s.deps.Verdicts.Get(input.sha256, version)
	if err != nil {
		return nil
	}
	return &datamodel.Verdict{
		Identity:       input.location,
		Kind:           datamodel.KindFile,
		SHA256:         entry.SHA256,
		Timestamp:      datamodel.Now(),
		ThreatLabel:    entry.ThreatLabel,
		DNAScore:       entry.DNAScore,
		AnomalyScore:   entry.AnomalyScore,
		Classification: entry.Classification,
		Reason:         entry.Reason,
		Action:         datamodel.ActionNone,
	}
}

// storeVerdict memoizes complete judgments only; degraded ones must be
// recomputed next time.
func (s *Scanner) storeVerdict(input fileToScan, verdict *datamodel.Verdict) {
	if s.deps.Verdicts == nil || input.mode == datamodel.ModeHeuristic || !verdict.Judged() {
		return
	}
	version := s.ruleVersion()
	if version == "" {
		return
	}
	err := s.deps.Verdicts.Set(&cache.Entry{
		SHA256:         verdict.SHA256,
		Classification: verdict.Classification,
		Reason:         verdict.Reason,
		ThreatLabel:    verdict.ThreatLabel,
		DNAScore:       verdict.DNAScore,
		AnomalyScore:   verdict.AnomalyScore,
		RuleVersion:    version,
	})
	if err != nil {
		logger.Warn("could not cache verdict", slog.String("sha256", verdict.SHA256), slog.String(logErrorKey, err.Error()))
	}
}

var sha256BufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 128*1024)
		return &buf
	},
}

func getFileSHA256(location string) (fileSHA256 string, err error) {
	hash := sha256.New()
	f, err := os.Open(filepath.Clean(location))
	if err != nil {
		return
	}
	defer func() {
		if e := f.Close(); e != nil {
			logger.Warn("could not close file correctly", slog.String("file", location), slog.String(logErrorKey, e.Error()))
		}
	}()

	sha256Buf, ok := sha256BufferPool.Get().(*[]byte)
	if !ok {
		err = errors.New("could not get buffer from pool")
		return
	}
	defer sha256BufferPool.Put(sha256Buf)

	if _, err = io.CopyBuffer(hash, f, *sha256Buf); err != nil {
		return
	}
	fileSHA256 = hex.EncodeToString(hash.Sum(nil))
	return
}
