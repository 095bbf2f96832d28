package models

import (
	"sort"
	"strings"
	"time"
)

// JobState represents the state of a job
type JobState string

const (
	StatePending  JobState = "pending"
	StateRunning  JobState = "running"
	StateFailed   JobState = "failed"
	StateComplete JobState = "complete"

	// StateCancelled is only reachable through batch cancellation.
	StateCancelled JobState = "cancelled"
)

// Valid reports whether s is a known job state
func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateFailed, StateComplete, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no worker will touch a job in state s again
func (s JobState) Terminal() bool {
	return s == StateFailed || s == StateComplete || s == StateCancelled
}

// OriginType identifies who submitted a job
type OriginType string

const (
	OriginUser   OriginType = "user"
	OriginDevice OriginType = "device"
	OriginSystem OriginType = "system"
)

// Origin records the submitter of a job or batch
type Origin struct {
	Type OriginType `json:"type"`
	ID   string     `json:"id"`
}

// Job represents one invocation of a gear against resolved input files
type Job struct {
	ID               string                   `json:"id,omitempty"`
	GearID           string                   `json:"gear_id"`
	Inputs           map[string]FileReference `json:"inputs"`
	Destination      ContainerReference       `json:"destination"`
	Config           map[string]any           `json:"config,omitempty"`
	Tags             []string                 `json:"tags"`
	State            JobState                 `json:"state"`
	Attempt          int                      `json:"attempt"`
	PreviousJobID    string                   `json:"previous_job_id,omitempty"`
	Now              bool                     `json:"now,omitempty"`
	Origin           Origin                   `json:"origin"`
	BatchID          string                   `json:"batch,omitempty"`
	Request          *Request                 `json:"request,omitempty"`
	SavedFiles       []string                 `json:"saved_files,omitempty"`
	ProducedMetadata map[string]any           `json:"produced_metadata,omitempty"`
	Created          time.Time                `json:"created"`
	Modified         time.Time                `json:"modified"`
}

// InputNames returns the job's input names in sorted order
func (j *Job) InputNames() []string {
	names := make([]string, 0, len(j.Inputs))
	for name := range j.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Intention identifies what a job would do: same gear against the same files.
// Two jobs with equal intentions are duplicates for rule spawning purposes.
func (j *Job) Intention() string {
	var b strings.Builder
	b.WriteString(j.GearID)
	for _, name := range j.InputNames() {
		ref := j.Inputs[name]
		b.WriteString("|")
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(ref.String())
	}
	return b.String()
}

// Clone returns a deep enough copy of the job for the retry path
func (j *Job) Clone() *Job {
	c := *j
	c.Inputs = make(map[string]FileReference, len(j.Inputs))
	for k, v := range j.Inputs {
		c.Inputs[k] = v
	}
	c.Tags = append([]string(nil), j.Tags...)
	c.SavedFiles = append([]string(nil), j.SavedFiles...)
	if j.Config != nil {
		c.Config = make(map[string]any, len(j.Config))
		for k, v := range j.Config {
			c.Config[k] = v
		}
	}
	if j.ProducedMetadata != nil {
		c.ProducedMetadata = make(map[string]any, len(j.ProducedMetadata))
		for k, v := range j.ProducedMetadata {
			c.ProducedMetadata[k] = v
		}
	}
	if j.Request != nil {
		r := *j.Request
		c.Request = &r
	}
	return &c
}

// NormalizeTags deduplicates and sorts tags, dropping empty labels
func NormalizeTags(tags ...string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// JobChanges is the set of fields a caller may change through a mutation.
// Nil or zero fields are left untouched.
type JobChanges struct {
	State            JobState       `json:"state,omitempty"`
	Now              *bool          `json:"now,omitempty"`
	SavedFiles       []string       `json:"saved_files,omitempty"`
	ProducedMetadata map[string]any `json:"produced_metadata,omitempty"`
}

// JobPayload is a request to enqueue a job
type JobPayload struct {
	GearID      string                   `json:"gear_id"`
	Inputs      map[string]FileReference `json:"inputs"`
	Destination *ContainerReference      `json:"destination,omitempty"`
	Config      map[string]any           `json:"config,omitempty"`
	Tags        []string                 `json:"tags,omitempty"`
	Now         bool                     `json:"now,omitempty"`
	BatchID     string                   `json:"-"`
}

// Request is the execution descriptor handed to a worker
type Request struct {
	Inputs  []RequestInput  `json:"inputs"`
	Target  RequestTarget   `json:"target"`
	Outputs []RequestOutput `json:"outputs"`
}

// RequestInput tells the worker where to fetch an input and where to put it
type RequestInput struct {
	Type     string `json:"type"`
	URI      string `json:"uri"`
	Location string `json:"location"`
}

// RequestTarget describes the command the worker runs
type RequestTarget struct {
	Image   string            `json:"image,omitempty"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env"`
	Dir     string            `json:"dir"`
}

// RequestOutput tells the worker where to upload results
type RequestOutput struct {
	Type     string `json:"type"`
	URI      string `json:"uri"`
	Location string `json:"location"`
}

// TagCount is the number of jobs sharing one tag combination
type TagCount struct {
	Tags  []string `json:"tags"`
	Count int      `json:"count"`
}

// Statistics is an aggregate view of the queue
type Statistics struct {
	ByState     map[JobState]int `json:"states"`
	ByTag       []TagCount       `json:"tags"`
	Permafailed int              `json:"permafailed"`
}
