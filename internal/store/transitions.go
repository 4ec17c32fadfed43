package store

import "qms/orchestrator/internal/models"

// transitionMap lists the statuses an entry may enter from each status.
// Re-entering the current status is always a no-op and is handled by callers.
var transitionMap = map[models.QueueStatus][]models.QueueStatus{
	models.StatusWaiting:     {models.StatusCalled, models.StatusNoShow, models.StatusCancelled, models.StatusTransferred},
	models.StatusCalled:      {models.StatusInProgress, models.StatusNoShow, models.StatusCancelled, models.StatusTransferred},
	models.StatusInProgress:  {models.StatusCompleted, models.StatusTransferred},
	models.StatusCompleted:   {models.StatusTransferred},
	models.StatusNoShow:      {models.StatusTransferred},
	models.StatusCancelled:   {models.StatusTransferred},
	models.StatusTransferred: {},
}

func ValidTransition(from, to models.QueueStatus) bool {
	allowed, ok := transitionMap[from]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == to {
			return true
		}
	}
	return false
}
