package store

import "time"

// ActivityLevel classifies how active a user currently is.
type ActivityLevel string

const (
	ActivityLow    ActivityLevel = "low"
	ActivityMedium ActivityLevel = "medium"
	ActivityHigh   ActivityLevel = "high"
)

func (a ActivityLevel) IsValid() bool {
	switch a {
	case ActivityLow, ActivityMedium, ActivityHigh:
		return true
	}
	return false
}

// Routing is fixed at evaluation creation time from overall confidence.
type Routing string

const (
	RoutingAutoApproved Routing = "auto_approved"
	RoutingAuthorReview Routing = "author_review"
	RoutingFlagged      Routing = "flagged"
)

func (r Routing) IsValid() bool {
	switch r {
	case RoutingAutoApproved, RoutingAuthorReview, RoutingFlagged:
		return true
	}
	return false
}

// Verdict is the author's resolution of a reviewed evaluation.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictEdited   Verdict = "edited"
)

func (v Verdict) IsValid() bool {
	switch v {
	case VerdictApproved, VerdictRejected, VerdictEdited:
		return true
	}
	return false
}

// ExportStatus tracks a training export through its state machine.
type ExportStatus string

const (
	ExportUploading ExportStatus = "uploading"
	ExportUploaded  ExportStatus = "uploaded"
	ExportTraining  ExportStatus = "training"
	ExportCompleted ExportStatus = "completed"
	ExportActive    ExportStatus = "active"
	ExportFailed    ExportStatus = "failed"
	ExportCancelled ExportStatus = "cancelled"
)

func (s ExportStatus) IsValid() bool {
	switch s {
	case ExportUploading, ExportUploaded, ExportTraining, ExportCompleted,
		ExportActive, ExportFailed, ExportCancelled:
		return true
	}
	return false
}

// InFlight reports whether the export still occupies the per-user
// single-flight slot.
func (s ExportStatus) InFlight() bool {
	switch s {
	case ExportUploading, ExportUploaded, ExportTraining:
		return true
	}
	return false
}

// Priority ranks how badly a document section needs more evidence.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// MessageType classifies an outbound message queued by the cycle engine.
type MessageType string

const (
	MessageFeedbackRequest   MessageType = "feedback_request"
	MessageProactiveQuestion MessageType = "proactive_question"
)

// TwinStatus tracks the serving model pointer.
type TwinStatus string

const (
	TwinTraining TwinStatus = "training"
	TwinActive   TwinStatus = "active"
)

// CycleState is the per-user cycle bookkeeping row. Mutated only by the
// cycle decision engine; never deleted.
type CycleState struct {
	UserID        string
	ActivityLevel ActivityLevel
	CycleCount    int
	SleepMinutes  int
	LastCycleAt   time.Time
	NextCycleAt   time.Time
	LastContactAt *time.Time
	LastAction    string
	LastReason    string
}

// Document is one immutable version of a user's knowledge document.
type Document struct {
	UserID        string
	Version       int
	Sections      map[string]string
	ChangeSummary string
	CreatedAt     time.Time
}

// GapScore is a derived, recomputable priority signal per section.
type GapScore struct {
	UserID     string
	Section    string
	Priority   Priority
	ComputedAt time.Time
}

// AxisScores are the four quality axes of one synthetic evaluation.
type AxisScores struct {
	ValuesAlignment    float64 `json:"values_alignment"`
	ModelUsage         float64 `json:"model_usage"`
	HeuristicFollowing float64 `json:"heuristic_following"`
	StyleMatch         float64 `json:"style_match"`
}

// Mean is the documented confidence function: the arithmetic mean of the
// four axis scores.
func (a AxisScores) Mean() float64 {
	return (a.ValuesAlignment + a.ModelUsage + a.HeuristicFollowing + a.StyleMatch) / 4
}

// Evaluation is one synthetic feedback item. Routing is fixed at creation;
// the author verdict is the only field mutated afterwards.
type Evaluation struct {
	ID                string
	UserID            string
	Prompt            string
	GeneratedResponse string
	Section           string
	Axes              AxisScores
	OverallConfidence float64
	Routing           Routing
	AuthorVerdict     *Verdict
	ReviewComment     string
	CreatedAt         time.Time
	ReviewedAt        *time.Time
}

// MaturityRecord is a derived cache, always recomputable from evaluations
// and pair counts.
type MaturityRecord struct {
	UserID            string
	OverallScore      float64
	DomainScores      map[string]float64 // worldview, values, models, identity, shadows
	TrainingPairCount int
	EvaluationCount   int
	UpdatedAt         time.Time
}

// TrainingPair is one exportable training example. ExportID nil means
// unclaimed; set when claimed by an export, cleared only if that export
// fails or cancels.
type TrainingPair struct {
	ID           string
	UserID       string
	Content      string
	QualityScore float64
	ExportID     *string
	CreatedAt    time.Time
}

// TrainingExport is one training-data export job.
type TrainingExport struct {
	ID               string
	UserID           string
	Status           ExportStatus
	ExternalJobID    string
	FileID           string
	PairCount        int
	ResultingModelID string
	ErrorMsg         string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// Twin points at the currently-serving fine-tuned model for a user.
type Twin struct {
	UserID        string
	ModelID       string
	Status        TwinStatus
	TrainingJobID string
	UpdatedAt     time.Time
}

// Message is an outbound message row. The core only queues messages and
// reads pending counts; delivery is external.
type Message struct {
	ID          string
	UserID      string
	Type        MessageType
	Content     string
	Delivered   bool
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// Entry is one ingested source entry (journal text, transcript, etc).
type Entry struct {
	ID        string
	UserID    string
	Content   string
	Source    string
	CreatedAt time.Time
}

// UserSettings holds per-user operational switches.
type UserSettings struct {
	UserID          string
	AgentsPaused    bool
	TrainingProfile string
}

// ActivityRecord is one row of the append-only activity log.
type ActivityRecord struct {
	ID        int64
	UserID    string
	EventType string
	Detail    string
	CreatedAt time.Time
}

// SyntheticValidation records author agreement with an auto-approved rating.
type SyntheticValidation struct {
	ID        string
	RatingID  string
	UserID    string
	Agreed    bool
	Comment   string
	CreatedAt time.Time
}
