package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusQueued        Status = "queued"
	StatusPreprocessing Status = "preprocessing"
	StatusProcessing    Status = "processing"
	StatusUploading     Status = "uploading"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one staging attempt. StagedImageURL is set iff Status is completed.
type Job struct {
	ID               snowflake.ID  `gorm:"primaryKey"`
	AccountID        snowflake.ID  `gorm:"not null"`
	PropertyID       *snowflake.ID `gorm:"column:property_id"`
	ParentJobID      *snowflake.ID `gorm:"column:parent_job_id"`
	VersionGroupID   *snowflake.ID `gorm:"column:version_group_id"`
	RoomType         string
	Style            string
	OriginalImageURL string
	MaskImageURL     *string
	StagedImageURL   *string
	Provider         string
	ExternalID       *string
	Status           Status
	ErrorMessage     *string
	IsPrimaryVersion bool
	CreditCost       int64
	ProcessingMs     *int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

func (Job) TableName() string { return "staging_jobs" }

type Progress struct {
	Step       string `json:"step"`
	StepNumber int    `json:"stepNumber"`
	TotalSteps int    `json:"totalSteps"`
	Message    string `json:"message"`
}

// StatusResponse is the job read model returned by every staging endpoint.
type StatusResponse struct {
	JobID                  string     `json:"jobId"`
	Status                 Status     `json:"status"`
	Progress               Progress   `json:"progress"`
	EstimatedTimeRemaining int64      `json:"estimatedTimeRemaining"`
	StagedImageURL         *string    `json:"stagedImageUrl"`
	OriginalImageURL       string     `json:"originalImageUrl"`
	RoomType               string     `json:"roomType"`
	Style                  string     `json:"style"`
	Provider               string     `json:"provider"`
	Error                  *string    `json:"error"`
	VersionGroupID         *string    `json:"versionGroupId"`
	IsPrimaryVersion       bool       `json:"isPrimaryVersion"`
	ParentJobID            *string    `json:"parentJobId"`
	CreatedAt              time.Time  `json:"createdAt"`
	CompletedAt            *time.Time `json:"completedAt"`
}

var RoomTypes = []string{
	"living_room",
	"bedroom",
	"kitchen",
	"dining_room",
	"bathroom",
	"home_office",
	"kids_room",
	"outdoor",
}

var Styles = []string{
	"modern",
	"scandinavian",
	"industrial",
	"minimalist",
	"traditional",
	"coastal",
	"farmhouse",
	"mid_century",
	"luxury",
}

var MimeTypes = []string{"image/jpeg", "image/png", "image/webp"}
