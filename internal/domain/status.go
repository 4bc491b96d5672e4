package domain

// AggregateStatus derives a batch status from its tasks' statuses.
//
// Any non-terminal task keeps the batch PROCESSING. Once every task is
// terminal the batch is COMPLETED (all succeeded), FAILED (all failed) or
// PARTIAL (mixed). A batch with zero tasks violates the creation invariant;
// it reports FAILED with the inconsistency marker set.
func AggregateStatus(tasks []Task) (BatchStatus, bool) {
	if len(tasks) == 0 {
		return BatchStatusFailed, true
	}

	succeeded := 0
	for _, task := range tasks {
		switch task.Status {
		case TaskStatusSucceeded:
			succeeded++
		case TaskStatusFailed:
		default:
			return BatchStatusProcessing, false
		}
	}

	switch succeeded {
	case len(tasks):
		return BatchStatusCompleted, false
	case 0:
		return BatchStatusFailed, false
	default:
		return BatchStatusPartial, false
	}
}
