package vault

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dpcsec/sentinelx/pkg/anomaly"
)

// ransomware droppers rename their output with these extensions
var suspiciousExtensions = map[string]bool{
	".encrypted": true, ".locked": true, ".crypto": true, ".crypt": true,
	".crypted": true, ".encode": true, ".aaa": true, ".xyz": true, ".zzz": true,
	".locky": true, ".cerber": true, ".zepto": true, ".odin": true,
}

// ProtectedExtensions lists document and media types worth backing up
// automatically when seen under a watched folder.
var ProtectedExtensions = map[string]bool{
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
	".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".psd": true,
	".ai": true, ".mp3": true, ".mp4": true, ".mov": true, ".zip": true, ".rar": true,
	".sql": true, ".mdb": true, ".sln": true, ".php": true, ".asp": true, ".aspx": true,
	".html": true, ".xml": true, ".txt": true, ".csv": true,
}

// SuspiciousExtension reports whether path carries an extension associated
// with ransomware output.
func SuspiciousExtension(path string) bool {
	return suspiciousExtensions[strings.ToLower(filepath.Ext(path))]
}

// Activity is one observed file operation on or near a protected path.
type Activity struct {
	Path      string
	Op        string
	RenamedTo string
	PID       int32
	Time      time.Time
}

// Attack describes a detected destructive change, reported after the
// protected file has been put back.
type Attack struct {
	Path     string
	PID      int32
	Detail   string
	Restored bool
}

type GuardConfig struct {
	// EntropyThreshold marks a rewrite as encryption when the new content's
	// entropy exceeds it.
	EntropyThreshold float64
	// MassOpWindow / MassOpLimit flag a single process touching many
	// protected files in a short burst.
	MassOpWindow time.Duration
	MassOpLimit  int
}

// Guard watches activity on protected paths and triggers automatic restores.
type Guard struct {
	vault    Vaulter
	conf     GuardConfig
	onAttack func(Attack)

	mu      sync.Mutex
	history []Activity
}

func NewGuard(v Vaulter, conf GuardConfig, onAttack func(Attack)) *Guard {
	if conf.EntropyThreshold <= 0 {
		conf.EntropyThreshold = anomaly.DefaultEntropyThreshold
	}
	if conf.MassOpWindow <= 0 {
		conf.MassOpWindow = time.Minute
	}
	if conf.MassOpLimit <= 0 {
		conf.MassOpLimit = 10
	}
	return &Guard{vault: v, conf: conf, onAttack: onAttack}
}

// Observe analyzes one file operation. It returns a non nil Attack when the
// operation looked destructive, after attempting the restore.
func (g *Guard) Observe(ctx context.Context, activity Activity) (attack *Attack, err error) {
	if activity.Time.IsZero() {
		activity.Time = time.Now()
	}

	if activity.Op == "rename" && SuspiciousExtension(activity.RenamedTo) {
		return g.react(ctx, activity, fmt.Sprintf("rename to ransomware extension %s", filepath.Ext(activity.RenamedTo)))
	}

	if g.massOperation(activity) {
		return g.react(ctx, activity, fmt.Sprintf("mass file operations from pid %d", activity.PID))
	}

	if activity.Op != "write" {
		return
	}
	entry, getErr := g.vault.Protected(ctx, activity.Path)
	if getErr != nil || entry == nil {
		return
	}
	content, readErr := os.ReadFile(filepath.Clean(activity.Path))
	if readErr != nil {
		err = readErr
		return
	}
	if entropy := anomaly.ShannonEntropy(content); entropy > g.conf.EntropyThreshold {
		return g.react(ctx, activity, fmt.Sprintf("high entropy rewrite (%.2f bits/byte)", entropy))
	}

	// legitimate change, re-capture the backup
	err = g.vault.Refresh(ctx, activity.Path)
	return
}

func (g *Guard) react(ctx context.Context, activity Activity, detail string) (attack *Attack, err error) {
	entry, getErr := g.vault.Protected(ctx, activity.Path)
	protected := getErr == nil && entry != nil
	if !protected && activity.PID <= 0 {
		// nothing to restore and no process to name: an attack record here
		// would indict pid 0 for any stray rename under a watched folder
		logger.Warn("suspicious change outside protected set",
			slog.String("file", activity.Path),
			slog.String("detail", detail),
		)
		return
	}
	attack = &Attack{Path: activity.Path, PID: activity.PID, Detail: detail}
	if protected {
		if restoreErr := g.vault.Restore(ctx, activity.Path); restoreErr != nil {
			logger.Error("automatic restore failed",
				slog.String("file", activity.Path),
				slog.String("error", restoreErr.Error()),
			)
		} else {
			attack.Restored = true
		}
	}
	logger.Warn("destructive change detected",
		slog.String("file", activity.Path),
		slog.Int("pid", int(activity.PID)),
		slog.String("detail", detail),
		slog.Bool("restored", attack.Restored),
	)
	if g.onAttack != nil {
		g.onAttack(*attack)
	}
	return
}

// massOperation records the activity and reports whether its process crossed
// the velocity limit inside the window.
func (g *Guard) massOperation(activity Activity) bool {
	if activity.PID <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := activity.Time.Add(-g.conf.MassOpWindow)
	kept := g.history[:0]
	count := 0
	for _, a := range g.history {
		if a.Time.Before(cutoff) {
			continue
		}
		kept = append(kept, a)
		if a.PID == activity.PID {
			count++
		}
	}
	g.history = append(kept, activity)
	return count+1 > g.conf.MassOpLimit
}
