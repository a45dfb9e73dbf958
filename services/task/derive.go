package task

// DeriveMainStatus computes a main task's terminal status from its subtasks:
// cancelled if the main task was cancelled, completed if every subtask
// completed, failed if every subtask failed, partial_success otherwise.
func DeriveMainStatus(mainCancelled bool, subtasks []Status) Status {
	if mainCancelled {
		return StatusCancelled
	}
	if len(subtasks) == 0 {
		return StatusFailed
	}

	completed, failed := 0, 0
	for _, s := range subtasks {
		switch s {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		}
	}

	switch {
	case completed == len(subtasks):
		return StatusCompleted
	case failed == len(subtasks):
		return StatusFailed
	default:
		return StatusPartialSuccess
	}
}
