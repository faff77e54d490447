package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/dpcsec/sentinelx/pkg/anomaly"
	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"github.com/dpcsec/sentinelx/pkg/dna"
	"github.com/dpcsec/sentinelx/pkg/signature"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// Classification thresholds over combined = max(dna, anomaly).
// combined >= MaliciousThreshold -> malicious; >= SuspiciousThreshold ->
// suspicious; below -> clean. Both bounds are closed on the threshold.
const (
	MaliciousThreshold  = 0.85
	SuspiciousThreshold = 0.5
)

// ErrObjectVanished aborts a scan whose target disappeared mid-flight.
// No verdict is emitted and nothing reaches the audit log.
var ErrObjectVanished = errors.New("object vanished during scan")

// defaultMaxContentBytes caps how much of an object is held in memory for
// scoring when no explicit limit is configured.
const defaultMaxContentBytes = 32 * 1024 * 1024

// Engine runs the three sub-checks and folds their scores into one verdict.
type Engine struct {
	signatures *signature.Matcher
	corpus     *dna.Corpus
	classifier anomaly.Classifier

	maliciousThreshold  float64
	suspiciousThreshold float64
	maxContent          int64
}

// New wires the aggregator. A nil classifier falls back to the built-in
// heuristic backend.
func New(signatures *signature.Matcher, corpus *dna.Corpus, classifier anomaly.Classifier) *Engine {
	if classifier == nil {
		classifier = anomaly.NewHeuristicClassifier()
	}
	return &Engine{
		signatures:          signatures,
		corpus:              corpus,
		classifier:          classifier,
		maliciousThreshold:  MaliciousThreshold,
		suspiciousThreshold: SuspiciousThreshold,
		maxContent:          defaultMaxContentBytes,
	}
}

// SetThresholds overrides the classification bounds. Zero keeps the default;
// values are clamped so suspicious never exceeds malicious.
func (e *Engine) SetThresholds(malicious, suspicious float64) {
	if malicious > 0 {
		e.maliciousThreshold = malicious
	}
	if suspicious > 0 {
		e.suspiciousThreshold = min(suspicious, e.maliciousThreshold)
	}
}

// SetMaxContentBytes overrides how much of an object is read for scoring.
// Zero keeps the default. Callers that already know an object's full digest
// must set it on the ScanObject, as content past the cap is never hashed.
func (e *Engine) SetMaxContentBytes(n int64) {
	if n > 0 {
		e.maxContent = n
	}
}

// SetClassifier swaps the anomaly scoring backend.
func (e *Engine) SetClassifier(c anomaly.Classifier) {
	if c != nil {
		e.classifier = c
	}
}

// FastPath runs only the signature check. Used while the monitor is
// suppressed: known-threat detection must never pause, full scoring may.
func (e *Engine) FastPath(obj *datamodel.ScanObject) (rule *signature.Rule, err error) {
	content, err := e.readContent(obj)
	if err != nil {
		return
	}
	rule = e.signatures.Match(obj.SHA256, content)
	if rule != nil && !rule.Severity.AtLeastHigh() {
		rule = nil
	}
	return
}

// Evaluate runs the full pipeline and emits exactly one verdict, or
// ErrObjectVanished if the target disappeared before scoring finished.
// The three sub-checks run concurrently against read-only snapshots and are
// joined before the decision step.
func (e *Engine) Evaluate(ctx context.Context, obj *datamodel.ScanObject) (verdict *datamodel.Verdict, err error) {
	defer obj.Release()

	content, err := e.readContent(obj)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrObjectVanished) {
			err = ErrObjectVanished
			return
		}
		// unreadable but still present: judge on what we have
		logger.Debug("content unavailable, degraded scoring",
			slog.String("object", obj.Identity()), slog.String("error", err.Error()))
		content = nil
	}

	verdict = &datamodel.Verdict{
		Identity:  obj.Identity(),
		Kind:      obj.Kind,
		SHA256:    obj.SHA256,
		Timestamp: datamodel.Now(),
		Action:    datamodel.ActionNone,
	}

	var (
		rule       *signature.Rule
		dnaScore   float64
		dnaFamily  string
		anomalyP   float64
		stageFails []string
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		rule = e.signatures.Match(obj.SHA256, content)
		return nil
	})
	g.Go(func() error {
		profile := dna.NewProfileBytes(content)
		dnaScore, dnaFamily = e.corpus.Best(profile)
		return nil
	})
	g.Go(func() error {
		fv := e.features(obj, content)
		p, classifyErr := e.classifier.Classify(fv)
		if classifyErr != nil {
			stageFails = append(stageFails, "anomaly: "+classifyErr.Error())
			return nil
		}
		anomalyP = p
		return nil
	})
	if waitErr := g.Wait(); waitErr != nil {
		stageFails = append(stageFails, waitErr.Error())
	}
	if ctx.Err() != nil {
		err = ctx.Err()
		verdict = nil
		return
	}

	verdict.DNAScore = dnaScore
	verdict.DNAFamily = dnaFamily
	verdict.AnomalyScore = anomalyP
	verdict.StageErrors = stageFails

	// fast path: a high-severity signature match is final
	if rule != nil {
		verdict.RuleID = rule.ID
		verdict.ThreatLabel = rule.ThreatLabel
		if rule.Severity.AtLeastHigh() {
			verdict.Classification = datamodel.Malicious
			verdict.Reason = datamodel.ReasonSignatureMatch
			return
		}
	}

	combined := max(dnaScore, anomalyP)
	switch {
	case combined >= e.maliciousThreshold:
		verdict.Classification = datamodel.Malicious
		if dnaScore >= anomalyP {
			verdict.Reason = datamodel.ReasonDNASimilarity
		} else {
			verdict.Reason = datamodel.ReasonAnomalyScore
		}
	case combined >= e.suspiciousThreshold:
		verdict.Classification = datamodel.Suspicious
		if dnaScore >= anomalyP {
			verdict.Reason = datamodel.ReasonDNASimilarity
		} else {
			verdict.Reason = datamodel.ReasonAnomalyScore
		}
	default:
		verdict.Classification = datamodel.Clean
		verdict.Reason = datamodel.ReasonClean
	}

	// fail closed: a degraded stage can raise a clean verdict to suspicious,
	// never lower one
	if len(stageFails) > 0 && verdict.Classification == datamodel.Clean {
		verdict.Classification = datamodel.Suspicious
		verdict.Reason = datamodel.ReasonStageFailure
	}
	return
}

func (e *Engine) readContent(obj *datamodel.ScanObject) (content []byte, err error) {
	rc := obj.Content()
	if rc == nil && obj.Kind == datamodel.KindFile && obj.Path != "" {
		f, openErr := os.Open(obj.Path)
		if openErr != nil {
			err = openErr
			return
		}
		rc = f
		obj.SetContent(f)
	}
	if rc == nil {
		return
	}
	content, err = io.ReadAll(io.LimitReader(rc, e.maxContent))
	if err != nil {
		content = nil
		return
	}
	if obj.SHA256 == "" && len(content) > 0 {
		sum := sha256.Sum256(content)
		obj.SHA256 = hex.EncodeToString(sum[:])
	}
	return
}

func (e *Engine) features(obj *datamodel.ScanObject, content []byte) anomaly.FeatureVector {
	switch obj.Kind {
	case datamodel.KindProcess:
		proc, procErr := process.NewProcess(obj.PID)
		if procErr != nil {
			// process already gone: score on name only
			return anomaly.FileFeatures(obj.Path, content, obj.Size)
		}
		fv := anomaly.ProcessFeatures(proc)
		if len(content) > 0 {
			contentFv := anomaly.FileFeatures(obj.Path, content, obj.Size)
			fv.Entropy = contentFv.Entropy
			fv.Executable = contentFv.Executable
			fv.Present.Content = true
		}
		return fv
	default:
		size := obj.Size
		if size == 0 {
			size = int64(len(content))
		}
		return anomaly.FileFeatures(obj.Path, content, size)
	}
}

// CaptureFile snapshots a file into a ScanObject, hashing its content.
// Returns ErrObjectVanished when the path no longer exists.
func CaptureFile(path string) (obj *datamodel.ScanObject, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = ErrObjectVanished
		}
		return
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return
	}
	obj = datamodel.NewScanObject(datamodel.KindFile, path, f)
	obj.Size = info.Size()
	return
}

// CaptureProcess snapshots a running process, attaching its executable image
// as content when readable.
func CaptureProcess(pid int32) (obj *datamodel.ScanObject, err error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		err = ErrObjectVanished
		return
	}
	obj = &datamodel.ScanObject{
		Kind:       datamodel.KindProcess,
		PID:        pid,
		CapturedAt: datamodel.Now(),
	}
	if exe, exeErr := proc.Exe(); exeErr == nil && exe != "" {
		obj.Path = exe
		if f, openErr := os.Open(exe); openErr == nil {
			obj.SetContent(f)
			if info, statErr := f.Stat(); statErr == nil {
				obj.Size = info.Size()
			}
		}
	}
	return
}
