package slurm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// submitLine matches the submission tool's accepted-job line, e.g.
//
//	Submitted batch job 42
//
// The pattern is anchored per line; trailing text (cluster name on
// federated installs) is tolerated.
var submitLine = regexp.MustCompile(`(?m)^Submitted batch job (\d+)\b`)

// ParseSubmitOutput extracts the accepted job id from submission tool
// stdout. The first matching line wins.
func ParseSubmitOutput(stdout []byte) (int64, error) {
	m := submitLine.FindSubmatch(stdout)
	if m == nil {
		return 0, fmt.Errorf("no accepted-job line in %q", strings.TrimSpace(string(stdout)))
	}
	id, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("job id out of range: %w", err)
	}
	return id, nil
}

// stateList accepts a job_state field encoded either as a single token or
// as a list of tokens (state plus flags, depending on cluster software
// version). Both shapes are valid; neither is a decode error.
type stateList []string

func (s *stateList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err != nil {
		return err
	}
	*s = stateList{single}
	return nil
}

type inspectJob struct {
	JobID    int64     `json:"job_id"`
	JobState stateList `json:"job_state"`
}

type inspectOutput struct {
	Jobs []inspectJob `json:"jobs"`
}

// ParseInspectOutput extracts the canonical state token for jobID from the
// inspect tool's JSON output.
//
// When job_state carries multiple tokens the first is canonical and the
// rest are returned as discarded flags for diagnostics. Output that does
// not mention jobID at all maps to ErrJobNotFound.
func ParseInspectOutput(raw []byte, jobID int64) (state string, discarded []string, err error) {
	var out inspectOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", nil, fmt.Errorf("decode inspect json: %w", err)
	}

	for _, j := range out.Jobs {
		if j.JobID != jobID {
			continue
		}
		if len(j.JobState) == 0 || strings.TrimSpace(j.JobState[0]) == "" {
			return "", nil, errors.New("job entry has no job_state")
		}
		return strings.TrimSpace(j.JobState[0]), j.JobState[1:], nil
	}

	return "", nil, ErrJobNotFound
}
