package autorestart

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event names the detector reacts to.
const (
	EventStartDBCluster = "StartDBCluster"
	// RDSEventForcedStart is emitted when a cluster stopped for longer than
	// the platform allows is started again.
	RDSEventForcedStart = "RDS-EVENT-0153"
)

// Envelope is an EventBridge event.
type Envelope struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Time       time.Time       `json:"time"`
	Region     string          `json:"region"`
	Detail     json.RawMessage `json:"detail"`
}

// cloudTrailDetail is the detail of an "AWS API Call via CloudTrail" event.
type cloudTrailDetail struct {
	EventID      string `json:"eventID"`
	EventName    string `json:"eventName"`
	EventSource  string `json:"eventSource"`
	UserAgent    string `json:"userAgent"`
	UserIdentity struct {
		Type      string `json:"type"`
		InvokedBy string `json:"invokedBy"`
		ARN       string `json:"arn"`
	} `json:"userIdentity"`
	RequestParameters struct {
		DBClusterIdentifier string `json:"dBClusterIdentifier"`
	} `json:"requestParameters"`
}

// rdsEventDetail is the detail of an "RDS DB Cluster Event".
type rdsEventDetail struct {
	EventID          string `json:"EventID"`
	SourceIdentifier string `json:"SourceIdentifier"`
	SourceType       string `json:"SourceType"`
	Message          string `json:"Message"`
}

// Signal is what the detector extracts from one audit event.
type Signal struct {
	EventID   string `json:"event_id"`
	Source    string `json:"source"`
	Action    string `json:"action"`
	ClusterID string `json:"cluster_id"`

	// Actor signals used for classification.
	IdentityType string `json:"identity_type,omitempty"`
	InvokedBy    string `json:"invoked_by,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	Principal    string `json:"principal,omitempty"`
}

// Parse decodes an EventBridge envelope carrying either a CloudTrail API
// call or an RDS event notification.
func Parse(data []byte) (*Signal, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}
	if len(env.Detail) == 0 {
		return nil, fmt.Errorf("event %s has no detail", env.ID)
	}

	sig := &Signal{EventID: env.ID, Source: env.Source}
	if strings.Contains(env.DetailType, "CloudTrail") {
		var d cloudTrailDetail
		if err := json.Unmarshal(env.Detail, &d); err != nil {
			return nil, fmt.Errorf("invalid CloudTrail detail: %w", err)
		}
		sig.Action = d.EventName
		sig.ClusterID = clusterName(d.RequestParameters.DBClusterIdentifier)
		sig.IdentityType = d.UserIdentity.Type
		sig.InvokedBy = d.UserIdentity.InvokedBy
		sig.UserAgent = d.UserAgent
		sig.Principal = d.UserIdentity.ARN
		if sig.EventID == "" {
			sig.EventID = d.EventID
		}
		return sig, nil
	}

	var d rdsEventDetail
	if err := json.Unmarshal(env.Detail, &d); err != nil {
		return nil, fmt.Errorf("invalid RDS event detail: %w", err)
	}
	sig.Action = d.EventID
	sig.ClusterID = clusterName(d.SourceIdentifier)
	sig.InvokedBy = env.Source
	return sig, nil
}

// clusterName accepts a bare identifier or a cluster ARN.
func clusterName(id string) string {
	if i := strings.LastIndex(id, ":cluster:"); i >= 0 {
		return id[i+len(":cluster:"):]
	}
	return strings.TrimSpace(id)
}
