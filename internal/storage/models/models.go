package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Resumable reports whether a task in this status may be picked up again.
func (s TaskStatus) Resumable() bool {
	return s == StatusFailed || s == StatusPending
}

// Pipeline step names as stored in current_step.
const (
	StepParse   = "parse"
	StepFilter  = "filter"
	StepExtract = "extract"
	StepDone    = "done"
)

const (
	ConstraintMandatory = "mandatory"
	ConstraintScoring   = "scoring"
	ConstraintOptional  = "optional"
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

type Project struct {
	ProjectID   int64     `json:"project_id"`
	ProjectName string    `json:"project_name"`
	CompanyID   int64     `json:"company_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ProcessingTask struct {
	ProjectID          int64             `json:"project_id"`
	OverallStatus      TaskStatus        `json:"overall_status"`
	CurrentStep        string            `json:"current_step"`
	CompletedStep      int               `json:"completed_step"`
	ProgressPercentage int               `json:"progress_percentage"`
	TotalChunks        int               `json:"total_chunks"`
	ValuableChunks     int               `json:"valuable_chunks"`
	TotalRequirements  int               `json:"total_requirements"`
	FilterModel        string            `json:"filter_model"`
	ExtractModel       string            `json:"extract_model"`
	PipelineConfig     map[string]any    `json:"pipeline_config,omitempty"`
	Options            map[string]any    `json:"options,omitempty"`
	StepDigests        map[string]string `json:"step_digests,omitempty"`
	Resumable          bool              `json:"resumable"`
	LastError          string            `json:"last_error,omitempty"`
	LastErrorTime      *time.Time        `json:"last_error_time,omitempty"`
	LastHeartbeat      *time.Time        `json:"last_heartbeat,omitempty"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	ExpiresAt          time.Time         `json:"expires_at"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// CanResume is derived, never stored, so it cannot drift from status and expiry.
func (t *ProcessingTask) CanResume(now time.Time) bool {
	return t.Resumable && t.OverallStatus.Resumable() && now.Before(t.ExpiresAt)
}

type ProcessingLog struct {
	LogID          int64      `json:"log_id"`
	ProjectID      int64      `json:"project_id"`
	Step           string     `json:"step"`
	Status         string     `json:"status"`
	ProcessedItems int        `json:"processed_items"`
	SuccessItems   int        `json:"success_items"`
	FailedItems    int        `json:"failed_items"`
	ActualCost     float64    `json:"actual_cost"`
	APICalls       int        `json:"api_calls"`
	TotalTokens    int        `json:"total_tokens"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type DocumentChunk struct {
	ChunkID          int64          `json:"chunk_id"`
	ProjectID        int64          `json:"project_id"`
	ChunkIndex       int            `json:"chunk_index"`
	ChunkType        string         `json:"chunk_type"`
	Content          string         `json:"content"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	IsValuable       *bool          `json:"is_valuable"`
	FilterConfidence *float64       `json:"filter_confidence"`
	FilterModel      string         `json:"filter_model,omitempty"`
	FilteredAt       *time.Time     `json:"filtered_at,omitempty"`
	ExtractedAt      *time.Time     `json:"extracted_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Title returns the heading the chunk sits under, if the chunker recorded one.
func (c *DocumentChunk) Title() string {
	if c.Metadata == nil {
		return ""
	}
	if s, ok := c.Metadata["section_title"].(string); ok {
		return s
	}
	return ""
}

type Requirement struct {
	RequirementID        int64      `json:"requirement_id"`
	ProjectID            int64      `json:"project_id"`
	ChunkID              *int64     `json:"chunk_id,omitempty"`
	ConstraintType       string     `json:"constraint_type"`
	Category             string     `json:"category"`
	Subcategory          string     `json:"subcategory,omitempty"`
	Detail               string     `json:"detail"`
	SourceLocation       string     `json:"source_location,omitempty"`
	Priority             string     `json:"priority"`
	ExtractionConfidence float64    `json:"extraction_confidence"`
	ExtractionModel      string     `json:"extraction_model"`
	IsVerified           bool       `json:"is_verified"`
	VerifiedBy           string     `json:"verified_by,omitempty"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty"`
	Notes                string     `json:"notes,omitempty"`
	ExtractedAt          time.Time  `json:"extracted_at"`
}

type RequirementFilter struct {
	ConstraintType string
	Category       string
}

type RequirementSummary struct {
	ConstraintType string `json:"constraint_type"`
	Category       string `json:"category"`
	Count          int    `json:"count"`
}

type FilterStats struct {
	Total         int     `json:"total"`
	Valuable      int     `json:"valuable"`
	Noise         int     `json:"noise"`
	Unlabeled     int     `json:"unlabeled"`
	AvgConfidence float64 `json:"avg_confidence"`
}

type ExtractStats struct {
	Total            int            `json:"total"`
	ByConstraintType map[string]int `json:"by_constraint_type"`
	ByCategory       map[string]int `json:"by_category"`
	ByPriority       map[string]int `json:"by_priority"`
	Verified         int            `json:"verified"`
	AvgConfidence    float64        `json:"avg_confidence"`
}

type AgentTask struct {
	TaskID        string                 `json:"task_id"`
	ProjectID     int64                  `json:"project_id,omitempty"`
	TaskType      string                 `json:"task_type"`
	OverallStatus TaskStatus             `json:"overall_status"`
	CurrentPhase  string                 `json:"current_phase,omitempty"`
	Progress      int                    `json:"progress"`
	Message       string                 `json:"message,omitempty"`
	Input         map[string]any         `json:"input,omitempty"`
	Result        json.RawMessage        `json:"result,omitempty"`
	Phases        map[string]PhaseRecord `json:"phases,omitempty"`
	Resumable     bool                   `json:"resumable"`
	LastError     string                 `json:"last_error,omitempty"`
	LastErrorTime *time.Time             `json:"last_error_time,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	LastHeartbeat *time.Time             `json:"last_heartbeat,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	ExpiresAt     time.Time              `json:"expires_at"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

func (t *AgentTask) CanResume(now time.Time) bool {
	return t.Resumable && t.OverallStatus.Resumable() && now.Before(t.ExpiresAt)
}

type PhaseRecord struct {
	Status         string          `json:"status"`
	Result         map[string]any  `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	GeneratedFiles []GeneratedFile `json:"generated_files,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type GeneratedFile struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}

type AgentExecutionLog struct {
	LogID         int64     `json:"log_id"`
	TaskID        string    `json:"task_id"`
	AgentName     string    `json:"agent_name"`
	PhaseName     string    `json:"phase_name"`
	Status        string    `json:"status"`
	AttemptNumber int       `json:"attempt_number"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationMS    int64     `json:"duration_ms"`
	InputSummary  string    `json:"input_summary,omitempty"`
	OutputSummary string    `json:"output_summary,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

type ParserDocument struct {
	DocumentID string    `json:"document_id"`
	Filename   string    `json:"filename"`
	FilePath   string    `json:"file_path"`
	FileSize   int64     `json:"file_size"`
	CreatedAt  time.Time `json:"created_at"`
}

type ParserResult struct {
	ID           int64           `json:"id"`
	DocumentID   string          `json:"document_id"`
	Method       string          `json:"method"`
	Success      bool            `json:"success"`
	Chapters     json.RawMessage `json:"chapters"`
	ChapterCount int             `json:"chapter_count"`
	ElapsedMS    int64           `json:"elapsed_ms"`
	Error        string          `json:"error,omitempty"`
	Precision    *float64        `json:"precision,omitempty"`
	Recall       *float64        `json:"recall,omitempty"`
	F1           *float64        `json:"f1,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type GroundTruth struct {
	DocumentID string    `json:"document_id"`
	Chapters   []string  `json:"chapters"`
	Annotator  string    `json:"annotator"`
	BestMethod string    `json:"best_method"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

const (
	ComplianceCompliant    = "compliant"
	ComplianceNonCompliant = "non_compliant"
	CompliancePartial      = "partial"
	ComplianceUnknown      = "unknown"
)

type RiskItem struct {
	ID            int64  `json:"id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	Index         int    `json:"index"`
	RiskLevel     string `json:"risk_level"`
	RiskType      string `json:"risk_type"`
	Location      string `json:"location"`
	Requirement   string `json:"requirement"`
	OriginalText  string `json:"original_text"`
	PositionIndex int    `json:"position_index"`
	DeepAnalysis  string `json:"deep_analysis"`
	Suggestion    string `json:"suggestion"`
	TodoAction    string `json:"todo_action,omitempty"`
	SourceChunk   int    `json:"source_chunk"`
	ChunkTitle    string `json:"chunk_title,omitempty"`
	Warning       string `json:"warning,omitempty"`

	Todo *TodoItem `json:"todo,omitempty"`

	ComplianceStatus string           `json:"compliance_status,omitempty"`
	MatchScore       *float64         `json:"match_score,omitempty"`
	ResponseText     string           `json:"response_text,omitempty"`
	ComplianceNote   string           `json:"compliance_note,omitempty"`
	Reconcile        *ReconcileResult `json:"reconcile,omitempty"`
}

type TodoItem struct {
	Index        int      `json:"index"`
	Action       string   `json:"action"`
	AssigneeType string   `json:"assignee_type"`
	Priority     string   `json:"priority"`
	Checklist    []string `json:"checklist,omitempty"`
	DeadlineHint string   `json:"deadline_hint,omitempty"`
	Warning      string   `json:"warning,omitempty"`
}

type ReconcileResult struct {
	ComplianceStatus  string   `json:"compliance_status"`
	MatchScore        float64  `json:"match_score"`
	Issues            []string `json:"issues,omitempty"`
	OverallAssessment string   `json:"overall_assessment,omitempty"`
	FixSuggestion     string   `json:"fix_suggestion,omitempty"`
	FixPriority       string   `json:"fix_priority,omitempty"`
}
