// Package suite assembles the detection and protection components from a
// configuration into one runnable unit, shared by every CLI command.
package suite

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dpcsec/sentinelx/pkg/auditlog"
	"github.com/dpcsec/sentinelx/pkg/cache"
	"github.com/dpcsec/sentinelx/pkg/config"
	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"github.com/dpcsec/sentinelx/pkg/dna"
	"github.com/dpcsec/sentinelx/pkg/engine"
	"github.com/dpcsec/sentinelx/pkg/feed"
	"github.com/dpcsec/sentinelx/pkg/monitor"
	"github.com/dpcsec/sentinelx/pkg/quarantine"
	"github.com/dpcsec/sentinelx/pkg/scanner"
	"github.com/dpcsec/sentinelx/pkg/signature"
	"github.com/dpcsec/sentinelx/pkg/vault"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// Suite owns the wired components for one run.
type Suite struct {
	Config *config.Config

	Signatures  *signature.Matcher
	Corpus      *dna.Corpus
	Engine      *engine.Engine
	Quarantiner quarantine.Quarantiner
	Vault       vault.Vaulter
	Guard       *vault.Guard
	Verdicts    cache.Cacher
	AuditLog    *auditlog.Log
	Feed        *feed.Feed
	Scanner     *scanner.Scanner
	Monitor     *monitor.Monitor
}

func New(ctx context.Context, conf *config.Config) (s *Suite, err error) {
	conf.ApplyDefaults()
	s = &Suite{Config: conf}

	if s.Signatures, err = signature.NewMatcher(conf.SignatureDB); err != nil {
		err = fmt.Errorf("load signature database: %w", err)
		return
	}
	if s.Corpus, err = dna.NewCorpus(conf.Corpus); err != nil {
		err = fmt.Errorf("load fingerprint corpus: %w", err)
		return
	}
	maxFileSize, err := conf.MaxFileSizeBytes()
	if err != nil {
		return
	}
	s.Engine = engine.New(s.Signatures, s.Corpus, nil)
	s.Engine.SetThresholds(conf.MaliciousThreshold, conf.SuspiciousThreshold)
	s.Engine.SetMaxContentBytes(maxFileSize)

	if s.Quarantiner, err = quarantine.NewHandler(ctx, quarantine.Config{
		Location:         conf.Quarantine,
		RegistryLocation: conf.QuarantineRegistry,
		Password:         conf.Password,
	}); err != nil {
		err = fmt.Errorf("init quarantine: %w", err)
		return
	}
	if s.Vault, err = vault.New(ctx, vault.Config{
		Location:         conf.Vault,
		RegistryLocation: conf.VaultRegistry,
		Password:         conf.Password,
	}); err != nil {
		err = fmt.Errorf("init vault: %w", err)
		return
	}
	if s.Verdicts, err = cache.New(conf.Cache); err != nil {
		err = fmt.Errorf("init verdict cache: %w", err)
		return
	}
	if s.AuditLog, err = auditlog.Open(conf.AuditLog); err != nil {
		err = fmt.Errorf("open audit log: %w", err)
		return
	}
	s.Feed = feed.New()
	s.AuditLog.SetStorageAlert(func(alertErr error) {
		s.Feed.Publish(feed.Event{
			Type:   feed.EventAlert,
			Detail: fmt.Sprintf("audit log storage failure: %s", alertErr),
		})
	})

	s.Scanner = scanner.New(scanner.Config{
		Workers:          conf.Workers,
		ExtractWorkers:   conf.ExtractWorkers,
		MaxFileSize:      maxFileSize,
		Extract:          conf.Extract,
		FollowSymlinks:   conf.FollowSymlinks,
		ProtectedFolders: conf.Monitor.ProtectedFolders,
		Actions: scanner.Actions{
			Log:        true,
			Quarantine: true,
			Protect:    len(conf.Monitor.ProtectedFolders) > 0,
		},
	}, scanner.Deps{
		Engine:      s.Engine,
		Signatures:  s.Signatures,
		Corpus:      s.Corpus,
		Quarantiner: s.Quarantiner,
		Vault:       s.Vault,
		Verdicts:    s.Verdicts,
		AuditLog:    s.AuditLog,
		Feed:        s.Feed,
	})

	s.Guard = vault.NewGuard(s.Vault, vault.GuardConfig{}, s.onAttack)
	if s.Monitor, err = monitor.New(monitor.Config{
		Paths:            conf.Monitor.Paths,
		ProtectedFolders: conf.Monitor.ProtectedFolders,
		CoalescingWindow: conf.Monitor.CoalescingWindow,
		ModificationWait: conf.Monitor.ModificationWait,
		PollInterval:     conf.Monitor.PollInterval,
		RateLimit:        conf.Monitor.RateLimit,
		Processes:        conf.Monitor.Processes,
		Devices:          conf.Monitor.Devices,
	}, s.Scanner, s.Engine, s.Guard); err != nil {
		err = fmt.Errorf("init monitor: %w", err)
		return
	}
	return
}

// onAttack seals a retroactive verdict for the writing process into the
// audit log and publishes it. When the writer could not be identified the
// verdict names the attacked file instead of a process.
func (s *Suite) onAttack(attack vault.Attack) {
	identity := fmt.Sprintf("pid:%d", attack.PID)
	kind := datamodel.KindProcess
	if attack.PID <= 0 {
		identity = attack.Path
		kind = datamodel.KindFile
	}
	verdict := &datamodel.Verdict{
		Identity:       identity,
		Kind:           kind,
		Timestamp:      datamodel.Now(),
		ThreatLabel:    "Ransomware.Behavior",
		Classification: datamodel.Malicious,
		Reason:         datamodel.ReasonRansomwareGuard,
		Action:         datamodel.ActionRestored,
	}
	if !attack.Restored {
		verdict.Action = datamodel.ActionAlerted
	}
	record, err := s.AuditLog.Append(verdict)
	if err != nil {
		logger.Error("could not seal attack verdict", slog.String("error", err.Error()))
	}
	s.Feed.Publish(feed.Event{
		Type:    feed.EventAttack,
		Verdict: verdict,
		Record:  record,
		Detail:  attack.Detail,
	})
}

func (s *Suite) Start() error {
	return s.Scanner.Start()
}

func (s *Suite) Close() {
	if s.Monitor != nil {
		s.Monitor.Close()
	}
	if s.Scanner != nil {
		s.Scanner.Close()
	}
	if s.Feed != nil {
		s.Feed.Close()
	}
	for name, closer := range map[string]interface{ Close() error }{
		"quarantine": s.Quarantiner,
		"vault":      s.Vault,
		"cache":      s.Verdicts,
		"audit log":  s.AuditLog,
	} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil {
			logger.Error("could not close component", slog.String("component", name), slog.String("error", err.Error()))
		}
	}
}
