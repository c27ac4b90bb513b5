// Audit logging: append-only structured events written as JSON lines.
// The audit file complements the activity_log table in the store; it captures
// every decision, routing verdict and export transition for later analysis.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Cycle engine events
	AuditCycleDecision    AuditEventType = "cycle_decision"
	AuditMessageQueued    AuditEventType = "message_queued"
	AuditMessageDelivered AuditEventType = "message_delivered"

	// Knowledge document events
	AuditDocumentBootstrap AuditEventType = "document_bootstrap"
	AuditDocumentPatch     AuditEventType = "document_patch"
	AuditDocumentRestore   AuditEventType = "document_restore"
	AuditGapRecompute      AuditEventType = "gap_recompute"

	// Feedback events
	AuditFeedbackGenerated AuditEventType = "feedback_generated"
	AuditVerdictRecorded   AuditEventType = "verdict_recorded"
	AuditBulkApprove       AuditEventType = "bulk_approve"
	AuditRatingValidated   AuditEventType = "rating_validated"

	// Maturity events
	AuditMaturityRecompute AuditEventType = "maturity_recompute"

	// Training orchestrator events
	AuditTrainingStarted   AuditEventType = "training_started"
	AuditTrainingSkipped   AuditEventType = "training_skipped"
	AuditTrainingCompleted AuditEventType = "training_completed"
	AuditTrainingFailed    AuditEventType = "training_failed"
	AuditModelDeployed     AuditEventType = "model_deployed"

	// Loop events
	AuditLoopPass AuditEventType = "loop_pass"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	UserID     string                 `json:"user"`
	Action     string                 `json:"action,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// InitAudit opens the append-only audit file. No-op unless debug mode is on.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}
	if logsDir == "" {
		return fmt.Errorf("logging not initialized")
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))
	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// AuditLog writes one audit event. Never returns an error; audit failures
// must not interrupt the operation being audited.
func AuditLog(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// AuditSuccess is a shorthand for a successful event.
func AuditSuccess(eventType AuditEventType, userID, msg string) {
	AuditLog(AuditEvent{EventType: eventType, UserID: userID, Success: true, Message: msg})
}

// AuditFailure is a shorthand for a failed event.
func AuditFailure(eventType AuditEventType, userID string, err error) {
	e := AuditEvent{EventType: eventType, UserID: userID, Success: false}
	if err != nil {
		e.Error = err.Error()
	}
	AuditLog(e)
}
