package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/batch"
	"github.com/aws/aws-sdk-go/service/batch/batchiface"
)

// Job templates known to the launcher.
const (
	TemplateSync    = "sync"
	TemplateCleanup = "cleanup"
	TemplateReplay  = "replay"
)

// ErrJobNotFound indicates the batch service has no record of a job id.
var ErrJobNotFound = errors.New("publish: job not found")

// JobStatus is the normalized state of a launched job.
type JobStatus struct {
	State     string
	Terminal  bool
	Succeeded bool
}

// Launcher starts downstream jobs and reports their state.
type Launcher interface {
	Submit(ctx context.Context, template, jobName string, params map[string]string) (string, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
}

type BatchConfig struct {
	Client      batchiface.BatchAPI
	JobQueue    string
	Definitions map[string]string
}

// BatchLauncher runs templates as AWS Batch jobs. Each template maps to a job definition.
type BatchLauncher struct {
	client      batchiface.BatchAPI
	jobQueue    string
	definitions map[string]string
}

func NewBatchLauncher(cfg BatchConfig) (*BatchLauncher, error) {
	if cfg.Client == nil {
		return nil, errors.New("publish: batch client is required")
	}
	if strings.TrimSpace(cfg.JobQueue) == "" {
		return nil, errors.New("publish: batch job queue is required")
	}
	definitions := make(map[string]string, len(cfg.Definitions))
	for template, definition := range cfg.Definitions {
		definitions[template] = definition
	}
	return &BatchLauncher{client: cfg.Client, jobQueue: cfg.JobQueue, definitions: definitions}, nil
}

func (l *BatchLauncher) Submit(ctx context.Context, template, jobName string, params map[string]string) (string, error) {
	definition, ok := l.definitions[template]
	if !ok || definition == "" {
		return "", fmt.Errorf("publish: no job definition for template %q", template)
	}
	output, err := l.client.SubmitJobWithContext(ctx, &batch.SubmitJobInput{
		JobName:       aws.String(jobName),
		JobQueue:      aws.String(l.jobQueue),
		JobDefinition: aws.String(definition),
		Parameters:    aws.StringMap(params),
	})
	if err != nil {
		return "", fmt.Errorf("publish: submit %s job: %w", template, err)
	}
	return aws.StringValue(output.JobId), nil
}

func (l *BatchLauncher) Status(ctx context.Context, jobID string) (JobStatus, error) {
	output, err := l.client.DescribeJobsWithContext(ctx, &batch.DescribeJobsInput{
		Jobs: aws.StringSlice([]string{jobID}),
	})
	if err != nil {
		return JobStatus{}, fmt.Errorf("publish: describe job %s: %w", jobID, err)
	}
	for _, job := range output.Jobs {
		if aws.StringValue(job.JobId) != jobID {
			continue
		}
		state := aws.StringValue(job.Status)
		return JobStatus{
			State:     state,
			Terminal:  state == batch.JobStatusSucceeded || state == batch.JobStatusFailed,
			Succeeded: state == batch.JobStatusSucceeded,
		}, nil
	}
	return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

var _ Launcher = (*BatchLauncher)(nil)
