package types

import "time"

// JobState is the lifecycle position of a transcription job.
type JobState string

// Job state constants
const (
	StatePending   JobState = "PENDING"
	StateRunning   JobState = "RUNNING"
	StateCompleted JobState = "COMPLETED"
	StateFailed    JobState = "FAILED"
	StateCancelled JobState = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Origin is the producer category of a job.
type Origin string

// Origin constants
const (
	OriginUpload Origin = "upload"
	OriginScan   Origin = "scan"
	OriginSocket Origin = "socket"
)

// Origins lists every producer category in a stable order.
var Origins = []Origin{OriginUpload, OriginScan, OriginSocket}

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	for _, known := range Origins {
		if o == known {
			return true
		}
	}
	return false
}

// DefaultLanguage is used when a request does not name one.
const DefaultLanguage = "he"

// TranscriptionResult represents the output from Whisper
type TranscriptionResult struct {
	JobID       string    `json:"job_id"`
	Text        string    `json:"text"`
	Language    string    `json:"language"`
	Model       string    `json:"model"`
	Duration    float64   `json:"duration"`
	Segments    []Segment `json:"segments,omitempty"`
	WordCount   int       `json:"word_count"`
	ProcessedAt time.Time `json:"processed_at"`
	LocalPath   string    `json:"local_path,omitempty"`
	GDriveURL   string    `json:"gdrive_url,omitempty"`
}

// Segment represents a timestamped segment of transcription
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptRecord is the metadata row kept for every completed job.
type TranscriptRecord struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"request_name"`
	Origin    Origin    `json:"origin"`
	Model     string    `json:"model"`
	Language  string    `json:"language"`
	LocalPath string    `json:"local_path"`
	GDriveURL string    `json:"gdrive_url,omitempty"`
	Duration  float64   `json:"duration"`
	WordCount int       `json:"word_count"`
	CreatedAt time.Time `json:"created_at"`
}
