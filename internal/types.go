package internal

import "time"

type ScanStatus string

const (
	ScanPending    ScanStatus = "pending"
	ScanProcessing ScanStatus = "processing"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
)

func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

type ImageStatus string

const (
	ImagePending    ImageStatus = "pending"
	ImageProcessing ImageStatus = "processing"
	ImageSucceeded  ImageStatus = "succeeded"
	ImageFailed     ImageStatus = "failed"
)

func (s ImageStatus) Terminal() bool {
	return s == ImageSucceeded || s == ImageFailed
}

type Badge struct {
	ID          string  `db:"id" json:"id"`
	Name        string  `db:"name" json:"name"`
	Category    string  `db:"category" json:"category"`
	Description string  `db:"description" json:"description,omitempty"`
	PurchaseURL *string `db:"purchase_url" json:"purchaseUrl,omitempty"`
}

type Scan struct {
	ID              int64      `db:"id" json:"id"`
	Status          ScanStatus `db:"status" json:"status"`
	TotalImages     int        `db:"total_images" json:"totalImages"`
	ProcessedImages int        `db:"processed_images" json:"processedImages"`
	FailedImages    int        `db:"failed_images" json:"failedImages"`
	ProgressMessage *string    `db:"progress_message" json:"progressMessage,omitempty"`
	ErrorMessage    *string    `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	StartedAt       *time.Time `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	ReconciledAt    *time.Time `db:"reconciled_at" json:"reconciledAt,omitempty"`
}

// FinishedImages counts images that reached a terminal state.
func (s Scan) FinishedImages() int {
	return s.ProcessedImages + s.FailedImages
}

type ScanImage struct {
	ID          int64       `db:"id" json:"id"`
	ScanID      int64       `db:"scan_id" json:"scanId"`
	Position    int         `db:"position" json:"position"`
	Path        string      `db:"path" json:"path"`
	Status      ImageStatus `db:"status" json:"status"`
	Error       *string     `db:"error" json:"error,omitempty"`
	RawResponse *string     `db:"raw_response" json:"-"`
	ProcessedAt *time.Time  `db:"processed_at" json:"processedAt,omitempty"`
}

type Detection struct {
	ID                int64            `db:"id" json:"id"`
	ScanID            int64            `db:"scan_id" json:"scanId"`
	ImageID           int64            `db:"image_id" json:"imageId"`
	LineNo            int              `db:"line_no" json:"lineNo"`
	RawName           string           `db:"raw_name" json:"rawName"`
	RawLine           string           `db:"raw_line" json:"rawLine"`
	Context           *string          `db:"context" json:"context,omitempty"`
	Quantity          int              `db:"quantity" json:"quantity"`
	ReportedCertainty *string          `db:"reported_certainty" json:"reportedCertainty,omitempty"`
	MatchedBadgeID    *string          `db:"matched_badge_id" json:"matchedBadgeId"`
	Confidence        float64          `db:"confidence" json:"confidence"`
	CorrectedBadgeID  *string          `db:"corrected_badge_id" json:"correctedBadgeId"`
	Verified          bool             `db:"verified" json:"verified"`
	CandidatesJSON    string           `db:"candidates_json" json:"-"`
	Candidates        []MatchCandidate `db:"-" json:"candidates,omitempty"`
}

type ResolutionKind string

const (
	Unmatched   ResolutionKind = "unmatched"
	AutoMatched ResolutionKind = "auto_matched"
	Corrected   ResolutionKind = "corrected"
)

// Resolution is the badge identity of a detection. A human correction always
// wins over the automatic match.
type Resolution struct {
	Kind       ResolutionKind `json:"kind"`
	BadgeID    string         `json:"badgeId,omitempty"`
	Confidence float64        `json:"confidence"`
}

func (d Detection) Resolve() Resolution {
	if d.CorrectedBadgeID != nil && *d.CorrectedBadgeID != "" {
		return Resolution{Kind: Corrected, BadgeID: *d.CorrectedBadgeID, Confidence: 100}
	}
	if d.MatchedBadgeID != nil && *d.MatchedBadgeID != "" {
		return Resolution{Kind: AutoMatched, BadgeID: *d.MatchedBadgeID, Confidence: d.Confidence}
	}
	return Resolution{Kind: Unmatched, Confidence: d.Confidence}
}

// Reconcilable reports whether the detection takes part in reconciliation.
func (d Detection) Reconcilable() (string, bool) {
	if !d.Verified {
		return "", false
	}
	res := d.Resolve()
	if res.Kind == Unmatched {
		return "", false
	}
	return res.BadgeID, true
}

type ConfidenceBand string

const (
	BandAuto    ConfidenceBand = "auto"
	BandReview  ConfidenceBand = "review"
	BandCorrect ConfidenceBand = "correct"
)

type MatchCandidate struct {
	BadgeID  string  `json:"badgeId"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

type MatchResult struct {
	BadgeID    *string          `json:"badgeId"`
	Confidence float64          `json:"confidence"`
	Band       ConfidenceBand   `json:"band"`
	Candidates []MatchCandidate `json:"candidates"`
}

type InventoryItem struct {
	BadgeID          string    `db:"badge_id" json:"badgeId"`
	Name             string    `db:"name" json:"name"`
	Category         string    `db:"category" json:"category"`
	Quantity         int       `db:"quantity" json:"quantity"`
	ReorderThreshold int       `db:"reorder_threshold" json:"reorderThreshold"`
	LastUpdated      time.Time `db:"last_updated" json:"lastUpdated"`
}

func (i InventoryItem) LowStock() bool {
	return i.Quantity > 0 && i.Quantity <= i.ReorderThreshold
}

type Adjustment struct {
	ID               int64     `db:"id" json:"id"`
	BadgeID          string    `db:"badge_id" json:"badgeId"`
	ScanID           *int64    `db:"scan_id" json:"scanId"`
	QuantityChange   int       `db:"quantity_change" json:"quantityChange"`
	PreviousQuantity int       `db:"previous_quantity" json:"previousQuantity"`
	NewQuantity      int       `db:"new_quantity" json:"newQuantity"`
	Notes            string    `db:"notes" json:"notes"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}

// BadgeDelta is one net inventory change planned for a badge.
type BadgeDelta struct {
	BadgeID string `json:"badgeId"`
	Delta   int    `json:"delta"`
}

type ReviewExportRow struct {
	ImageID           int64
	ImagePath         string
	LineNo            int
	RawLine           string
	RawName           string
	Quantity          int
	ReportedCertainty *string
	MatchedBadgeID    *string
	MatchedName       *string
	Confidence        float64
	CorrectedBadgeID  *string
	Verified          bool
	Candidate2Name    *string
	Candidate2Score   *float64
}
