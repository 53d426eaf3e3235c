package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/shizukutanaka/Banken/internal/event"
)

// Entry is one append-only audit record. EventData and Metadata are stored
// as serialized text; when Encrypted is set, EventData holds the sealed
// form and the hash covers that sealed form so integrity can be verified
// without the key.
type Entry struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	EventType        string         `json:"eventType"`
	SourceIP         string         `json:"sourceIp"`
	UserID           string         `json:"userId,omitempty"`
	Severity         event.Severity `json:"severity"`
	EventData        string         `json:"eventData"`
	Metadata         string         `json:"metadata"`
	ComplianceResult string         `json:"complianceResult"`
	Hash             string         `json:"hash"`
	Encrypted        bool           `json:"encrypted"`
}

// ComputeHash digests the canonical fields: id, timestamp, eventType,
// eventData and metadata. Fields are joined with NUL separators so no
// boundary ambiguity can produce colliding inputs.
func (e *Entry) ComputeHash() string {
	h := sha256.New()
	for _, field := range []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.EventType,
		e.EventData,
		e.Metadata,
	} {
		io.WriteString(h, field)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether the stored hash still matches the canonical
// fields. False means tampering or corruption.
func (e *Entry) Verify() bool {
	return e.Hash == e.ComputeHash()
}

// Violation investigation statuses. Transitions move forward only.
const (
	StatusPending  = "pending"
	StatusReviewed = "reviewed"
	StatusClosed   = "closed"
)

var statusRank = map[string]int{
	StatusPending:  0,
	StatusReviewed: 1,
	StatusClosed:   2,
}

// ValidStatusTransition reports whether a violation may move from one
// investigation status to another.
func ValidStatusTransition(from, to string) bool {
	fromRank, okFrom := statusRank[from]
	toRank, okTo := statusRank[to]
	return okFrom && okTo && toRank > fromRank
}

// ViolationRecord links a compliance violation back to its audit entry.
// Immutable once created except for InvestigationStatus.
type ViolationRecord struct {
	ID                  string         `json:"id"`
	EntryID             string         `json:"entryId"`
	Timestamp           time.Time      `json:"timestamp"`
	Principle           string         `json:"principle"`
	Description         string         `json:"description"`
	Severity            event.Severity `json:"severity"`
	Confidence          float64        `json:"confidence"`
	SourceIP            string         `json:"sourceIp"`
	InvestigationStatus string         `json:"investigationStatus"`
}

// IntegrityReport summarizes one day's verification run. One report per
// calendar day, upserted by the nightly job.
type IntegrityReport struct {
	Date           string    `json:"date"`
	TotalLogs      int       `json:"totalLogs"`
	ValidLogs      int       `json:"validLogs"`
	InvalidLogs    int       `json:"invalidLogs"`
	IntegrityScore float64   `json:"integrityScore"`
	DailyChecksum  string    `json:"dailyChecksum"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

// SearchCriteria filters audit history queries. Zero values mean "any".
type SearchCriteria struct {
	From      time.Time
	To        time.Time
	EventType string
	SourceIP  string
	UserID    string
	Severity  *event.Severity
	Limit     int
}

// CleanupCounts reports rows removed per collection by a retention pass.
type CleanupCounts struct {
	Entries    int64 `json:"entries"`
	Violations int64 `json:"violations"`
	Reports    int64 `json:"reports"`
}
