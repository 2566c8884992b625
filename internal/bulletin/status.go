package bulletin

// TaskStatus represents the lifecycle state of a Task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusSuccess    TaskStatus = "success"
	StatusFailed     TaskStatus = "failed"
	StatusIgnored    TaskStatus = "ignored"
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusPending,
	StatusProcessing,
	StatusSuccess,
	StatusFailed,
	StatusIgnored,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Finished is true for statuses exempt from re-processing.
// FAILED is deliberately not finished: it is retried on a later run.
func (s TaskStatus) Finished() bool {
	return s == StatusSuccess || s == StatusIgnored
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	if from.Finished() || !to.Valid() {
		return false
	}
	switch from {
	case StatusPending, StatusFailed:
		return to == StatusProcessing || to == StatusFailed || to == StatusIgnored
	case StatusProcessing:
		return to == StatusSuccess || to == StatusFailed || to == StatusIgnored
	default:
		return false
	}
}
