package chain

import "strings"

// Outcome is the classifier's verdict on a failed submission.
type Outcome string

// Classifier outcomes.
const (
	OutcomeRetry Outcome = "RETRY"
	OutcomeDLQ   Outcome = "DLQ"
)

// Logical failures: the intent itself is broken and needs operator attention.
// Checked before the transient list so a revert that happens to mention a
// transient word still dead-letters.
var dlqSignals = []string{
	"execution reverted",
	"out of gas",
	"gas estimate exceeds ceiling",
	"invalid opcode",
	"insufficient funds",
}

// Transient failures: the same submission is expected to succeed later.
var retrySignals = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"replacement underpriced",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"service unavailable",
}

var nonceSignals = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"replacement underpriced",
	"already known",
}

// Classify maps an error string to a retry/DLQ decision. Unrecognised errors
// dead-letter: the system prefers halting to silent retry loops.
func Classify(errText string) Outcome {
	lower := strings.ToLower(errText)
	for _, signal := range dlqSignals {
		if strings.Contains(lower, signal) {
			return OutcomeDLQ
		}
	}
	for _, signal := range retrySignals {
		if strings.Contains(lower, signal) {
			return OutcomeRetry
		}
	}
	return OutcomeDLQ
}

// IsNonceConflict reports whether the error indicates a nonce collision so the
// dispatcher can bump its conflict metric and trigger a resync.
func IsNonceConflict(errText string) bool {
	lower := strings.ToLower(errText)
	for _, signal := range nonceSignals {
		if strings.Contains(lower, signal) {
			return true
		}
	}
	return false
}
