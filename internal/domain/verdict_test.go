package domain

import "testing"

func TestFoldVerdict_Precedence(t *testing.T) {
	cases := []struct {
		name     string
		statuses []WorkerStatus
		timedOut bool
		want     Verdict
	}{
		{"all approved", []WorkerStatus{WorkerApproved, WorkerApproved}, false, VerdictAllow},
		{"block wins over approve", []WorkerStatus{WorkerRejected, WorkerApproved}, false, VerdictBlock},
		{"block wins over failure", []WorkerStatus{WorkerRejected, WorkerFailed}, false, VerdictBlock},
		{"block wins over timeout", []WorkerStatus{WorkerRejected}, true, VerdictBlock},
		{"failure escalates", []WorkerStatus{WorkerApproved, WorkerFailed}, false, VerdictReview},
		{"pending escalates", []WorkerStatus{WorkerPending}, false, VerdictReview},
		{"timeout flag escalates", []WorkerStatus{WorkerApproved}, true, VerdictReview},
		{"late timed_out partial escalates", []WorkerStatus{WorkerApproved, WorkerTimedOut}, false, VerdictReview},
		{"single approve", []WorkerStatus{WorkerApproved}, false, VerdictAllow},
		{"no data", nil, false, VerdictReview},
		{"no data timed out", nil, true, VerdictReview},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := FoldVerdict(tc.statuses, tc.timedOut)
			if got != tc.want {
				t.Fatalf("fold(%v, %v) = %s, want %s", tc.statuses, tc.timedOut, got, tc.want)
			}
			if reason == "" {
				t.Fatalf("fold must always produce a reason")
			}
		})
	}
}

func TestFoldVerdict_Deterministic(t *testing.T) {
	in := []WorkerStatus{WorkerApproved, WorkerFailed, WorkerApproved}
	v1, r1 := FoldVerdict(in, false)
	v2, r2 := FoldVerdict(in, false)
	if v1 != v2 || r1 != r2 {
		t.Fatalf("fold is not deterministic: (%s,%s) vs (%s,%s)", v1, r1, v2, r2)
	}
}

func TestFoldTimedOut(t *testing.T) {
	if FoldTimedOut([]WorkerStatus{WorkerApproved}) {
		t.Fatalf("no timeout expected")
	}
	if !FoldTimedOut([]WorkerStatus{WorkerApproved, WorkerTimedOut}) {
		t.Fatalf("expected timeout signal")
	}
}
