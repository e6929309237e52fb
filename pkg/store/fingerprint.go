package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// fingerprintPayload is the canonical identity of one submission attempt.
//
// Argument order is preserved: submission flags are positional for some
// cluster tools, so reordered flags are a different submission.
type fingerprintPayload struct {
	JobID              string   `json:"job_id"`
	ExecutionDirectory string   `json:"execution_directory"`
	Arguments          []string `json:"arguments,omitempty"`
}

// Fingerprint computes the stable hash identifying a submission attempt
// for deduplication.
func Fingerprint(jobID, executionDirectory string, arguments []string) (string, error) {
	payload := fingerprintPayload{
		JobID:              strings.TrimSpace(jobID),
		ExecutionDirectory: strings.TrimSpace(executionDirectory),
		Arguments:          arguments,
	}
	if payload.JobID == "" {
		return "", fmt.Errorf("job id is required for fingerprint")
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint payload: %w", err)
	}

	sha := sha256.Sum256(b)
	return hex.EncodeToString(sha[:]), nil
}
