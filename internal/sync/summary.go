package sync

import "time"

// CandidateStatus is the final state of one candidate in a run.
type CandidateStatus string

const (
	CandidateSynced CandidateStatus = "synced"
	CandidateAbsent CandidateStatus = "absent"
	CandidateFailed CandidateStatus = "failed"
)

// CandidateResult reports one candidate. Kind and Error are set for failed
// candidates; Kind is "transient", "fatal" or "indeterminate".
type CandidateResult struct {
	Name   string          `json:"name"`
	Status CandidateStatus `json:"status"`
	Kind   string          `json:"kind,omitempty"`
	URL    string          `json:"url,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Summary is the result of a run.
type Summary struct {
	RunID        string            `json:"run_id"`
	RepositoryID string            `json:"repository_id"`
	Candidates   []CandidateResult `json:"candidates"`
	Upserted     int               `json:"upserted"`
	Deleted      int               `json:"deleted"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	DurationMS   int64             `json:"duration_ms"`
}

// Count returns how many candidates ended in status.
func (s *Summary) Count(status CandidateStatus) int {
	n := 0
	for _, c := range s.Candidates {
		if c.Status == status {
			n++
		}
	}
	return n
}

// Names returns the candidates that ended in status, in candidate order.
func (s *Summary) Names(status CandidateStatus) []string {
	var out []string
	for _, c := range s.Candidates {
		if c.Status == status {
			out = append(out, c.Name)
		}
	}
	return out
}

// Result looks up one candidate.
func (s *Summary) Result(name string) (CandidateResult, bool) {
	for _, c := range s.Candidates {
		if c.Name == name {
			return c, true
		}
	}
	return CandidateResult{}, false
}

func (s *Summary) finish(names []string, results map[string]CandidateResult, now time.Time) {
	s.Candidates = make([]CandidateResult, 0, len(names))
	for _, name := range names {
		s.Candidates = append(s.Candidates, results[name])
	}
	s.FinishedAt = now
	s.DurationMS = now.Sub(s.StartedAt).Milliseconds()
}
