// Command impactkit-lambda runs one scheduled ledger job per EventBridge invocation.
// The rule's detail names the job, e.g. {"job": "streak_sweep"}.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"impactkit/config"
	"impactkit/engine"
	"impactkit/gamify"
	"impactkit/scheduler"
)

// Reused across warm invocations.
var (
	kit    *gamify.Kit
	logger *slog.Logger
)

type jobRunner interface {
	RunJob(ctx context.Context, job string) (any, error)
}

type jobDetail struct {
	Job string `json:"job"`
}

// Result is returned to the invoker.
type Result struct {
	Job    string `json:"job"`
	Report any    `json:"report"`
}

var errMissingJob = errors.New("event detail does not name a job")

func parseJob(event events.CloudWatchEvent) (string, error) {
	if len(event.Detail) == 0 {
		return "", errMissingJob
	}
	var d jobDetail
	if err := json.Unmarshal(event.Detail, &d); err != nil {
		return "", fmt.Errorf("decode event detail: %w", err)
	}
	switch d.Job {
	case "":
		return "", errMissingJob
	case scheduler.JobStreakSweep, scheduler.JobWeeklySnapshot, scheduler.JobMonthlySnapshot:
		return d.Job, nil
	default:
		return "", fmt.Errorf("%w: %q", scheduler.ErrUnknownJob, d.Job)
	}
}

func run(ctx context.Context, r jobRunner, log *slog.Logger, event events.CloudWatchEvent) (Result, error) {
	job, err := parseJob(event)
	if err != nil {
		log.Error("rejected scheduled event", "event", "job_rejected", "rule", event.Resources, "error", err)
		return Result{}, err
	}
	log.Info("running scheduled job", "event", "job_started", "job", job, "scheduled_at", event.Time)
	rep, err := r.RunJob(ctx, job)
	if err != nil {
		log.Error("scheduled job failed", "event", "job_failed", "job", job, "error", err)
		return Result{}, err
	}
	return Result{Job: job, Report: rep}, nil
}

// handler processes EventBridge scheduled events.
func handler(ctx context.Context, event events.CloudWatchEvent) (Result, error) {
	if kit == nil {
		if err := initKit(ctx); err != nil {
			return Result{}, fmt.Errorf("failed to initialize ledger: %w", err)
		}
	}
	return run(ctx, kit.Scheduler, logger, event)
}

// initKit loads configuration from the environment, resolving secret references
// through the configured store, and opens the ledger.
func initKit(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := config.NewSecretStore(ctx, cfg.Secrets)
	if err != nil {
		return err
	}
	if err := cfg.ResolveSecrets(ctx, store); err != nil {
		return err
	}
	logger = gamify.NewLogger(cfg.Logging)
	// The function is frozen between invocations, so events are delivered before returning.
	k, err := gamify.FromConfig(ctx, cfg, logger, gamify.WithDispatchMode(engine.DispatchSync))
	if err != nil {
		return err
	}
	kit = k
	logger.Info("ledger initialized", "storage_adapter", cfg.Storage.Adapter, "environment", cfg.Environment)
	return nil
}

func main() {
	lambda.Start(handler)
}
