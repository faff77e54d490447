package datamodel

import (
	"fmt"
	"io"
	"strconv"
	"time"
)

// ObjectKind tells which kind of target a ScanObject was captured from.
type ObjectKind string

const (
	KindFile    ObjectKind = "file"
	KindProcess ObjectKind = "process"
	KindDevice  ObjectKind = "device"
)

// ScanMode selects how aggressively a scan request walks and scores targets.
type ScanMode string

const (
	ModeQuick     ScanMode = "quick"
	ModeDeep      ScanMode = "deep"
	ModeCustom    ScanMode = "custom"
	ModeHeuristic ScanMode = "heuristic"
)

// ParseScanMode validates a user-supplied mode name.
func ParseScanMode(input string) (mode ScanMode, err error) {
	switch ScanMode(input) {
	case ModeQuick, ModeDeep, ModeCustom, ModeHeuristic:
		mode = ScanMode(input)
	default:
		err = fmt.Errorf("unknown scan mode %q", input)
	}
	return
}

// ScanObject is an immutable capture of a file, process or device at the
// moment an event was observed. The content handle is released once a verdict
// has been produced; only the metadata survives in the audit log.
type ScanObject struct {
	Kind       ObjectKind `json:"kind"`
	Path       string     `json:"path,omitempty"`
	PID        int32      `json:"pid,omitempty"`
	DeviceID   string     `json:"device-id,omitempty"`
	SHA256     string     `json:"sha256,omitempty"`
	Size       int64      `json:"size,omitempty"`
	CapturedAt time.Time  `json:"captured-at"`

	content io.ReadCloser
}

// NewScanObject builds a file object around an open content handle.
func NewScanObject(kind ObjectKind, path string, content io.ReadCloser) *ScanObject {
	return &ScanObject{
		Kind:       kind,
		Path:       path,
		content:    content,
		CapturedAt: Now(),
	}
}

// Identity returns a stable identifier for the object, suitable for dedupe
// keys and log payloads.
func (o *ScanObject) Identity() string {
	switch o.Kind {
	case KindProcess:
		if o.Path != "" {
			return o.Path
		}
		return "pid:" + strconv.Itoa(int(o.PID))
	case KindDevice:
		return o.DeviceID
	default:
		return o.Path
	}
}

// Content exposes the captured content handle. May be nil for process or
// device objects whose backing image could not be opened.
func (o *ScanObject) Content() io.ReadCloser { return o.content }

// SetContent attaches a content handle after capture, before scoring starts.
func (o *ScanObject) SetContent(rc io.ReadCloser) { o.content = rc }

// Release closes the content handle. Safe to call more than once.
func (o *ScanObject) Release() {
	if o.content == nil {
		return
	}
	_ = o.content.Close()
	o.content = nil
}

// Now is swappable for tests.
var Now = time.Now
