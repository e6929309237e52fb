// Package slurm executes the cluster's batch-submission and job-inspection
// command-line tools as subprocesses and exposes typed results.
//
// The client coordinates two operations:
//   - Submit: hand a job script to sbatch and parse the accepted job id
//   - Inspect: query scontrol for a job's current state
//
// A shared rate limiter provides backpressure so a large pending batch
// cannot stampede the scheduler node with tool invocations.
package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrJobNotFound is returned by Inspect when the cluster no longer knows
// the job (purged from accounting). It is a normal outcome, not a failure.
var ErrJobNotFound = errors.New("job not found in cluster accounting")

// SubmissionResult is the successful outcome of a Submit call.
type SubmissionResult struct {
	JobID int64
}

// SubmissionFailure is returned when the submission tool rejects the job.
//
// It is terminal for the record being submitted: the caller marks the
// record REJECTED and never retries it.
type SubmissionFailure struct {
	ExitCode int
	Stderr   string
}

func (e *SubmissionFailure) Error() string {
	return fmt.Sprintf("submission rejected (exit %d): %s", e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Runner abstracts subprocess execution so the client can be exercised
// without a cluster. The default runner shells out via os/exec.
type Runner interface {
	// Run executes name with args in dir and returns captured stdout,
	// stderr and the process exit code. A non-zero exit code is not an
	// error at this layer; err reports only failures to run at all.
	Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitCode(), nil
		}
		return outBuf.Bytes(), errBuf.Bytes(), -1, fmt.Errorf("run %s: %w", name, err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), 0, nil
}

// Config configures a Client.
type Config struct {
	// SubmitTool is the path to the batch-submission executable (sbatch).
	SubmitTool string

	// InspectTool is the path to the job-query executable (scontrol).
	InspectTool string

	// RateLimit is the maximum tool invocations per second.
	// Zero means unlimited.
	RateLimit float64
}

// Client invokes the cluster command-line tools.
//
// The Client is safe for concurrent use; invocations block only the
// calling goroutine.
type Client struct {
	cfg     Config
	runner  Runner
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a cluster command client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.SubmitTool) == "" {
		return nil, errors.New("submit tool path is required")
	}
	if strings.TrimSpace(cfg.InspectTool) == "" {
		return nil, errors.New("inspect tool path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{cfg: cfg, runner: execRunner{}, logger: logger}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// WithRunner replaces the subprocess runner. Intended for tests.
func (c *Client) WithRunner(r Runner) *Client {
	c.runner = r
	return c
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Submit hands scriptPath to the submission tool with workingDir as the
// working directory and parses the accepted job id from stdout.
//
// A non-zero exit, or stdout that does not carry the accepted-job line,
// is a *SubmissionFailure. Infrastructure problems (tool missing, context
// cancelled) are returned as plain errors and are retryable.
func (c *Client) Submit(ctx context.Context, scriptPath, workingDir string, args []string) (*SubmissionResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	toolArgs := make([]string, 0, len(args)+1)
	toolArgs = append(toolArgs, scriptPath)
	toolArgs = append(toolArgs, args...)

	stdout, stderr, code, err := c.runner.Run(ctx, workingDir, c.cfg.SubmitTool, toolArgs...)
	if err != nil {
		return nil, fmt.Errorf("invoke submit tool: %w", err)
	}
	if code != 0 {
		return nil, &SubmissionFailure{ExitCode: code, Stderr: string(stderr)}
	}

	jobID, perr := ParseSubmitOutput(stdout)
	if perr != nil {
		// Exit 0 without the accepted-job line still counts as a rejection.
		return nil, &SubmissionFailure{ExitCode: code, Stderr: fmt.Sprintf("unexpected submit output: %v", perr)}
	}

	c.logger.Debug("cluster accepted submission",
		zap.Int64("slurm_job_id", jobID),
		zap.String("script", scriptPath))

	return &SubmissionResult{JobID: jobID}, nil
}

// Inspect queries the cluster for jobID's current state.
//
// A job unknown to the cluster yields ErrJobNotFound, never a parse
// error: purged accounting entries are an expected condition.
func (c *Client) Inspect(ctx context.Context, jobID int64) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	stdout, stderr, code, err := c.runner.Run(ctx, "", c.cfg.InspectTool,
		"show", "job", fmt.Sprintf("%d", jobID), "--json")
	if err != nil {
		return "", fmt.Errorf("invoke inspect tool: %w", err)
	}
	if code != 0 {
		// scontrol exits non-zero for unknown job ids.
		c.logger.Debug("inspect tool reported unknown job",
			zap.Int64("slurm_job_id", jobID),
			zap.String("stderr", strings.TrimSpace(string(stderr))))
		return "", ErrJobNotFound
	}

	state, discarded, perr := ParseInspectOutput(stdout, jobID)
	if perr != nil {
		if errors.Is(perr, ErrJobNotFound) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("parse inspect output: %w", perr)
	}
	if len(discarded) > 0 {
		c.logger.Debug("discarded secondary state flags",
			zap.Int64("slurm_job_id", jobID),
			zap.String("state", state),
			zap.Strings("flags", discarded))
	}

	return state, nil
}
