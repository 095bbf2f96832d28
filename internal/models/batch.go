package models

import "time"

// BatchState represents the state of a batch proposal
type BatchState string

const (
	BatchPending   BatchState = "pending"
	BatchLaunched  BatchState = "launched"
	BatchCancelled BatchState = "cancelled"
)

// MatchedContainer is a container with exactly one file for every gear input
type MatchedContainer struct {
	Container ContainerReference       `json:"container"`
	Inputs    map[string]FileReference `json:"inputs"`
}

// MatchResult partitions candidate containers for a gear
type MatchResult struct {
	Matched    []MatchedContainer   `json:"matched"`
	Ambiguous  []ContainerReference `json:"ambiguous"`
	NotMatched []ContainerReference `json:"not_matched"`
}

// BatchProposal groups jobs of one gear across many containers
type BatchProposal struct {
	ID         string               `json:"id,omitempty"`
	GearID     string               `json:"gear_id"`
	State      BatchState           `json:"state"`
	Origin     Origin               `json:"origin"`
	Config     map[string]any       `json:"config,omitempty"`
	TargetType ContainerKind        `json:"target_type"`
	Matched    []MatchedContainer   `json:"matched"`
	Ambiguous  []ContainerReference `json:"ambiguous"`
	NotMatched []ContainerReference `json:"not_matched"`
	JobIDs     []string             `json:"jobs,omitempty"`
	Created    time.Time            `json:"created"`
	Modified   time.Time            `json:"modified"`
}
