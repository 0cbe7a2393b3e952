package domain

import "fmt"

// FoldVerdict reduces the multiset of partial worker statuses plus a
// timed-out flag to the final verdict. Precedence: block beats review
// beats allow; failures and timeouts escalate to review, never past
// block. Deterministic and total.
func FoldVerdict(statuses []WorkerStatus, timedOut bool) (Verdict, string) {
	if len(statuses) == 0 {
		return VerdictReview, "zero workers responded"
	}

	var rejected, escalated, late int
	for _, s := range statuses {
		switch s {
		case WorkerRejected:
			rejected++
		case WorkerFailed, WorkerPending:
			escalated++
		case WorkerTimedOut:
			late++
		}
	}

	switch {
	case rejected > 0:
		return VerdictBlock, fmt.Sprintf("rejected by %d of %d workers", rejected, len(statuses))
	case escalated > 0:
		return VerdictReview, fmt.Sprintf("%d of %d workers did not approve", escalated, len(statuses))
	case timedOut || late > 0:
		return VerdictReview, fmt.Sprintf("timed out waiting on workers; aggregated from %d", len(statuses))
	default:
		return VerdictAllow, fmt.Sprintf("approved by all %d workers", len(statuses))
	}
}

// FoldTimedOut reports whether the partials themselves carry a timeout
// signal, so callers can surface the timed_out flag on the completion.
func FoldTimedOut(statuses []WorkerStatus) bool {
	for _, s := range statuses {
		if s == WorkerTimedOut {
			return true
		}
	}
	return false
}
