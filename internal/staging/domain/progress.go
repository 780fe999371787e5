package domain

import "time"

const totalSteps = 4

// ProjectProgress maps a status to the four step UI descriptor.
func ProjectProgress(status Status) Progress {
	switch status {
	case StatusPending, StatusQueued:
		return Progress{Step: "queued", StepNumber: 1, TotalSteps: totalSteps, Message: "Waiting for an available stager"}
	case StatusPreprocessing:
		return Progress{Step: "preprocessing", StepNumber: 2, TotalSteps: totalSteps, Message: "Preparing your photo"}
	case StatusProcessing:
		return Progress{Step: "generating", StepNumber: 3, TotalSteps: totalSteps, Message: "Furnishing the room"}
	case StatusUploading:
		return Progress{Step: "uploading", StepNumber: 4, TotalSteps: totalSteps, Message: "Saving the staged image"}
	case StatusCompleted:
		return Progress{Step: "completed", StepNumber: 4, TotalSteps: totalSteps, Message: "Staging complete"}
	default:
		return Progress{Step: "failed", StepNumber: 0, TotalSteps: totalSteps, Message: "Staging failed"}
	}
}

// EstimateRemaining returns whole seconds left, never negative, and zero
// once the job is terminal.
func EstimateRemaining(status Status, estimate time.Duration, createdAt, now time.Time) int64 {
	if status.Terminal() {
		return 0
	}
	remaining := estimate - now.Sub(createdAt)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining / time.Second)
}
