package datamodel

import "time"

// Classification is the single final decision carried by every Verdict.
type Classification string

const (
	Clean      Classification = "clean"
	Suspicious Classification = "suspicious"
	Malicious  Classification = "malicious"
)

// ActionTaken records what the protection layer did with the object.
type ActionTaken string

const (
	ActionNone        ActionTaken = "none"
	ActionQuarantined ActionTaken = "quarantined"
	ActionRestored    ActionTaken = "restored"
	ActionDeferred    ActionTaken = "deferred"
	ActionAlerted     ActionTaken = "alerted"
)

// VerdictReason explains how the classification was reached.
type VerdictReason string

const (
	ReasonSignatureMatch  VerdictReason = "signature-match"
	ReasonDNASimilarity   VerdictReason = "dna-similarity"
	ReasonAnomalyScore    VerdictReason = "anomaly-score"
	ReasonStageFailure    VerdictReason = "stage-failure"
	ReasonRansomwareGuard VerdictReason = "ransomware-guard"
	ReasonClean           VerdictReason = "clean"
)

// Verdict is the outcome of running one ScanObject through the full
// detection pipeline. Immutable once written; owned by the audit log.
type Verdict struct {
	Identity       string         `json:"identity"`
	Kind           ObjectKind     `json:"kind"`
	SHA256         string         `json:"sha256,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	RuleID         string         `json:"rule-id,omitempty"`
	ThreatLabel    string         `json:"threat-label,omitempty"`
	DNAScore       float64        `json:"dna-score"`
	DNAFamily      string         `json:"dna-family,omitempty"`
	AnomalyScore   float64        `json:"anomaly-score"`
	Classification Classification `json:"classification"`
	Reason         VerdictReason  `json:"reason"`
	Action         ActionTaken    `json:"action"`

	// StageErrors lists degraded sub-checks. A non-empty list with a
	// clean-looking combined score still yields at least "suspicious":
	// "could not be judged" must never collapse into "clean".
	StageErrors []string `json:"stage-errors,omitempty"`
}

// MaliciousVerdict reports whether the verdict requires a protective action.
func (v *Verdict) MaliciousVerdict() bool {
	return v.Classification == Malicious
}

// Judged reports whether all sub-checks completed without degradation.
func (v *Verdict) Judged() bool {
	return len(v.StageErrors) == 0
}
