// Package autorestart detects platform-forced restarts of stopped database
// clusters and hands them to the re-stop workflow.
//
// Input is an audit event (CloudTrail StartDBCluster or the RDS forced-start
// notification). The detector filters it, derives the stage, drops duplicate
// deliveries and classifies the actor. Only platform-initiated starts of a
// managed cluster start a suppression; everything else ends in an
// informational notification or a log line.
package autorestart

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/notify"
	"github.com/openfroyo/idler/pkg/orchestrator"
)

// Classification of a cluster start.
const (
	ClassAutoRestart   = "auto-restart"
	ClassUserInitiated = "user-or-restore-initiated"
)

// Actions taken for an event.
const (
	ActionIgnored   = "ignored"
	ActionDuplicate = "duplicate"
	ActionInformed  = "informed"
	ActionSuppress  = "suppress-started"
	ActionRejected  = "suppress-rejected"
)

// Suppressor starts the re-stop workflow. *orchestrator.Service satisfies it.
type Suppressor interface {
	StartSuppress(ctx context.Context, in orchestrator.SuppressInput) (string, error)
}

// Deduper records processed event ids. ForgetEvent releases an id whose
// handling failed so that a redelivery is handled again.
type Deduper interface {
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	ForgetEvent(ctx context.Context, eventID string) error
}

// Result describes how one event was handled.
type Result struct {
	EventID        string `json:"event_id"`
	Stage          string `json:"stage,omitempty"`
	ClusterID      string `json:"cluster_id,omitempty"`
	Classification string `json:"classification,omitempty"`
	Action         string `json:"action"`
	ExecutionID    string `json:"execution_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Detector turns audit events into suppression requests.
type Detector struct {
	cfg        *config.Config
	pattern    *regexp.Regexp
	agents     map[string]bool
	dedup      Deduper
	suppressor Suppressor
	notifier   notify.Notifier
	logger     zerolog.Logger
}

// New builds a detector from the configuration.
func New(cfg *config.Config, dedup Deduper, suppressor Suppressor, notifier notify.Notifier, logger zerolog.Logger) (*Detector, error) {
	d := &Detector{
		cfg:        cfg,
		agents:     make(map[string]bool, len(cfg.AutoRestart.PlatformAgents)),
		dedup:      dedup,
		suppressor: suppressor,
		notifier:   notifier,
		logger:     logger.With().Str("component", "autorestart").Logger(),
	}
	if p := cfg.AutoRestart.ClusterPattern; p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid cluster pattern: %w", err)
		}
		if re.SubexpIndex("stage") < 0 {
			return nil, fmt.Errorf(`cluster pattern %q has no "stage" group`, p)
		}
		d.pattern = re
	}
	for _, a := range cfg.AutoRestart.PlatformAgents {
		d.agents[strings.ToLower(a)] = true
	}
	if d.notifier == nil {
		d.notifier = notify.NewLogNotifier(logger)
	}
	return d, nil
}

// Handle parses and handles a raw EventBridge event.
func (d *Detector) Handle(ctx context.Context, data []byte) (*Result, error) {
	sig, err := Parse(data)
	if err != nil {
		return nil, engine.NewConfigurationError("unreadable audit event", err).WithCode(engine.ErrCodeValidation)
	}
	return d.HandleSignal(ctx, sig)
}

// HandleSignal runs filter, dedup, classification and decision for one
// event. Returned errors are infrastructure failures; every expected outcome
// is a Result.
func (d *Detector) HandleSignal(ctx context.Context, sig *Signal) (*Result, error) {
	res := &Result{EventID: sig.EventID, ClusterID: sig.ClusterID}
	logger := d.logger.With().Str("event_id", sig.EventID).Str("action", sig.Action).Logger()

	if sig.Action != EventStartDBCluster && sig.Action != RDSEventForcedStart {
		res.Action, res.Reason = ActionIgnored, "not a cluster start"
		logger.Debug().Msg("Ignoring event")
		return res, nil
	}
	if sig.ClusterID == "" {
		res.Action, res.Reason = ActionIgnored, "no cluster identifier"
		logger.Warn().Msg("Cluster start without identifier")
		return res, nil
	}

	stage, ok := d.stageFor(sig.ClusterID)
	if !ok {
		res.Action, res.Reason = ActionIgnored, "cluster not managed"
		logger.Info().Str("cluster_id", sig.ClusterID).Msg("Ignoring start of unmanaged cluster")
		return res, nil
	}
	res.Stage = stage

	if sig.EventID != "" {
		first, err := d.dedup.MarkEventProcessed(ctx, sig.EventID)
		if err != nil {
			return nil, err
		}
		if !first {
			res.Action = ActionDuplicate
			logger.Info().Msg("Dropping duplicate delivery")
			return res, nil
		}
	}

	res.Classification = d.classify(sig)
	logger = logger.With().Str("stage", stage).Str("classification", res.Classification).Logger()

	if res.Classification != ClassAutoRestart {
		res.Action = ActionInformed
		d.publish(ctx, notify.Message{
			Kind:    notify.KindInfo,
			Stage:   stage,
			Subject: fmt.Sprintf("%s cluster %s was started", stage, sig.ClusterID),
			Body:    "The start was initiated by a user or a restore; no action taken.",
			Fields:  map[string]interface{}{"event_id": sig.EventID, "principal": sig.Principal},
		})
		logger.Info().Msg("Cluster start not platform initiated")
		return res, nil
	}

	id, err := d.suppressor.StartSuppress(ctx, orchestrator.SuppressInput{
		Stage:     stage,
		ClusterID: sig.ClusterID,
		EventID:   sig.EventID,
		Source:    sig.Source,
	})
	if engine.IsConflict(err) {
		res.Action, res.Reason = ActionRejected, err.Error()
		d.publish(ctx, notify.Message{
			Kind:    notify.KindInfo,
			Stage:   stage,
			Subject: fmt.Sprintf("%s cluster %s was auto-restarted during another workflow; not re-stopping", stage, sig.ClusterID),
			Fields:  map[string]interface{}{"event_id": sig.EventID},
		})
		logger.Info().Err(err).Msg("Suppression rejected")
		return res, nil
	}
	if err != nil {
		if sig.EventID != "" {
			if ferr := d.dedup.ForgetEvent(context.WithoutCancel(ctx), sig.EventID); ferr != nil {
				logger.Error().Err(ferr).Msg("Failed to release event for redelivery")
			}
		}
		return nil, fmt.Errorf("failed to start suppression: %w", err)
	}

	res.Action, res.ExecutionID = ActionSuppress, id
	logger.Info().Str("execution_id", id).Msg("Auto-restart suppression started")
	return res, nil
}

// stageFor resolves the stage of a cluster: configured ids first, then the
// naming pattern. A pattern match must name a configured stage.
func (d *Detector) stageFor(clusterID string) (string, bool) {
	if stage, ok := d.cfg.StageForCluster(clusterID); ok {
		return stage, true
	}
	if d.pattern == nil {
		return "", false
	}
	m := d.pattern.FindStringSubmatch(clusterID)
	if m == nil {
		return "", false
	}
	stage := m[d.pattern.SubexpIndex("stage")]
	if _, ok := d.cfg.Stage(stage); !ok {
		return "", false
	}
	return stage, true
}

func (d *Detector) classify(sig *Signal) string {
	switch {
	case sig.Action == RDSEventForcedStart:
		return ClassAutoRestart
	case strings.EqualFold(sig.IdentityType, "AWSService"):
		return ClassAutoRestart
	case sig.InvokedBy != "" && d.agents[strings.ToLower(sig.InvokedBy)]:
		return ClassAutoRestart
	case sig.UserAgent != "" && d.agents[strings.ToLower(sig.UserAgent)]:
		return ClassAutoRestart
	}
	return ClassUserInitiated
}

func (d *Detector) publish(ctx context.Context, msg notify.Message) {
	if err := d.notifier.Publish(ctx, msg); err != nil {
		d.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to publish notification")
	}
}
