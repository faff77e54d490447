package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dpcsec/sentinelx/pkg/auditlog"
	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"github.com/dpcsec/sentinelx/pkg/feed"
	"github.com/dpcsec/sentinelx/pkg/quarantine"
	"github.com/dpcsec/sentinelx/pkg/vault"
)

// Actions toggles what happens to a verdict once produced.
type Actions struct {
	Log        bool
	Quarantine bool
	Protect    bool
}

// Action consumes a verdict. Actions run in order; an action may stamp the
// verdict (ActionTaken) before the audit action seals it.
type Action interface {
	Handle(ctx context.Context, verdict *datamodel.Verdict, report *datamodel.Report) error
}

type NoAction struct{}

func (*NoAction) Handle(ctx context.Context, verdict *datamodel.Verdict, report *datamodel.Report) error {
	return nil
}

type MultiAction struct {
	Actions []Action
}

func NewMultiAction(actions ...Action) *MultiAction {
	return &MultiAction{Actions: actions}
}

// Handle runs every action even when an earlier one fails: a quarantine or
// storage error must not keep the verdict out of the feed or the report.
// Errors are joined for the caller.
func (a *MultiAction) Handle(ctx context.Context, verdict *datamodel.Verdict, report *datamodel.Report) (err error) {
	for _, h := range a.Actions {
		err = errors.Join(err, h.Handle(ctx, verdict, report))
	}
	return
}

type LogAction struct {
	logger *slog.Logger
}

func (a *LogAction) Handle(ctx context.Context, verdict *datamodel.Verdict, report *datamodel.Report) (err error) {
	switch verdict.Classification {
	case datamodel.Malicious:
		ConsoleLogger.Error(fmt.Sprintf("malicious object %s detected (%s)", verdict.Identity, verdict.ThreatLabel))
		a.logger.Info("object scanned",
			slog.String("object", verdict.Identity),
			slog.String("sha256", verdict.SHA256),
			slog.String("classification", string(verdict.Classification)),
			slog.String("threat", verdict.ThreatLabel),
			slog.String("reason", string(verdict.Reason)),
		)
	case datamodel.Suspicious:
		a.logger.Info("object scanned",
			slog.String("object", verdict.Identity),
			slog.String("sha256", verdict.SHA256),
			slog.String("classification", string(verdict.Classification)),
			slog.Float64("dna-score", verdict.DNAScore),
			slog.Float64("anomaly-score", verdict.AnomalyScore),
		)
	default:
		a.logger.Debug("object scanned",
			slog.String("object", verdict.Identity),
			slog.String("sha256", verdict.SHA256),
			slog.String("classification", string(verdict.Classification)),
		)
	}
	return
}

// QuarantineAction seals malicious files away. Restored entries are left
// alone: a manual restore is an operator override.
type QuarantineAction struct {
	quarantiner quarantine.Quarantiner
}

func NewQuarantineAction(quarantiner quarantine.Quarantiner) *QuarantineAction {
	return &QuarantineAction{quarantiner: quarantiner}
}

func (a *QuarantineAction) Handle(ctx context.Context, verdict *datamodel.Verdict, report *datamodel.Report) (err error) {
	if !verdict.MaliciousVerdict() || verdict.Kind != datamodel.KindFile {
		return
	}
	restored, err := a.quarantiner.IsRestored(ctx, verdict.SHA256)
	if err != nil {
		return
	}
	if restored {
		logger.Info("malicious file previously restored by operator, not quarantined again",
			slog.String("file", verdict.Identity),
			slog.String("sha256", verdict.SHA256),
		)
		verdict.Action = datamodel.ActionAlerted
		return
	}
	if _, err = a.quarantiner.Quarantine(ctx, verdict.Identity, verdict.SHA256, verdict.ThreatLabel); err != nil {
		return
	}
	verdict.Action = datamodel.ActionQuarantined
	return
}

// ProtectAction backs up clean documents found under protected folders.
type ProtectAction struct {
	vault   vault.Vaulter
	folders []string
}

func NewProtectAction(v vault.Vaulter, folders []string) *ProtectAction {
	return &ProtectAction{vault: v, folders: folders}
}

func (a *ProtectAction) Handle(ctx context.Context, verdict *datamodel.Verdict, report *datamodel.Report) (err error) {
	if verdict.Kind != datamodel.KindFile || verdict.Classification != datamodel.Clean {
		return
	}
	if !vault.ProtectedExtensions[strings.ToLower(filepath.Ext(verdict.Identity))] {
		return
	}
	if !a.underProtectedFolder(verdict.Identity) {
		return
	}
	if err = a.vault.Protect(ctx, verdict.Identity); err != nil {
		logger.Warn("could not vault protect file",
			slog.String("file", verdict.Identity),
			slog.String(logErrorKey, err.Error()),
		)
		err = nil
	}
	return
}

func (a *ProtectAction) underProtectedFolder(path string) bool {
	for _, folder := range a.folders {
		if rel, err := filepath.Rel(folder, path); err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

// AuditAction seals the verdict into the tamper-evident log and publishes it,
// with its chained record, on the feed. It runs after the protective actions
// so the sealed payload carries the action actually taken.
type AuditAction struct {
	log  *auditlog.Log
	feed *feed.Feed
}

func NewAuditAction(log *auditlog.Log, f *feed.Feed) *AuditAction {
	return &AuditAction{log: log, feed: f}
}

func (a *AuditAction) Handle(ctx context.Context, verdict *datamodel.Verdict, report *datamodel.Report) (err error) {
	var record *auditlog.Record
	if a.log != nil {
		if record, err = a.log.Append(verdict); err != nil {
			logger.Error("could not seal verdict",
				slog.String("object", verdict.Identity),
				slog.String(logErrorKey, err.Error()),
			)
		}
	}
	// the verdict reaches subscribers even when sealing failed; a missing
	// record marks it as unsealed
	if a.feed != nil {
		a.feed.PublishVerdict(verdict, record)
	}
	return
}

// ReportAction folds the verdict into the run report. Always last.
type ReportAction struct{}

func (*ReportAction) Handle(ctx context.Context, verdict *datamodel.Verdict, report *datamodel.Report) error {
	if report != nil {
		report.Add(verdict)
	}
	return nil
}
