package datamodel

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Report summarizes one scan run for operator-facing output.
type Report struct {
	mu sync.Mutex

	ScanID     string    `json:"scan-id"`
	Mode       ScanMode  `json:"mode"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Scanned    int       `json:"scanned"`
	Clean      int       `json:"clean"`
	Suspicious int       `json:"suspicious"`
	Malicious  int       `json:"malicious"`
	Errors     int       `json:"errors"`
	Verdicts   []Verdict `json:"verdicts,omitempty"`
}

// Add folds a verdict into the report counters. Safe for concurrent workers.
func (r *Report) Add(v *Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Scanned++
	switch v.Classification {
	case Malicious:
		r.Malicious++
	case Suspicious:
		r.Suspicious++
	default:
		r.Clean++
	}
	if !v.Judged() {
		r.Errors++
	}
	r.Verdicts = append(r.Verdicts, *v)
}

// WriteJSON renders the report as indented JSON.
func (r *Report) WriteJSON(dst io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	enc := json.NewEncoder(dst)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
