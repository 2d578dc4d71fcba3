package pipeline

import "fmt"

// IngestionError marks a ledger that could not be parsed at all, e.g. a
// missing required column. Row-level failures never raise it; they land in
// the job's rejection list instead.
type IngestionError struct {
	SubjectID string
	Err       error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion failed for subject %s: %v", e.SubjectID, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// ProfileStateError marks unreadable persisted profile state. The pipeline
// treats the subject as cold-start and rebuilds from scratch rather than
// failing the job.
type ProfileStateError struct {
	SubjectID string
	Err       error
}

func (e *ProfileStateError) Error() string {
	return fmt.Sprintf("profile state unavailable for subject %s: %v", e.SubjectID, e.Err)
}

func (e *ProfileStateError) Unwrap() error { return e.Err }

// ModelTrainingError marks a failed anomaly model retrain. Scoring continues
// rule-only for the subject until a later retrain succeeds.
type ModelTrainingError struct {
	SubjectID string
	Samples   int
	Err       error
}

func (e *ModelTrainingError) Error() string {
	return fmt.Sprintf("model training failed for subject %s (%d samples): %v", e.SubjectID, e.Samples, e.Err)
}

func (e *ModelTrainingError) Unwrap() error { return e.Err }

// AssignmentError marks alerts that were created but could not be routed to
// a reviewer. The alerts stay in the backlog; the job itself completes.
type AssignmentError struct {
	Unassigned int
	Err        error
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("assignment failed, %d alerts in backlog: %v", e.Unassigned, e.Err)
}

func (e *AssignmentError) Unwrap() error { return e.Err }
