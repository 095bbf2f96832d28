package models

// SiteScope is the rule scope that applies to every project
const SiteScope = "site"

// MatchType selects which property of a file or container a match entry checks
type MatchType string

const (
	MatchFileType           MatchType = "file.type"
	MatchFileName           MatchType = "file.name"
	MatchFileClassification MatchType = "file.classification"
	MatchFileMeasurements   MatchType = "file.measurements"
	MatchContainerHasType   MatchType = "container.has-type"
)

// MatchEntry is one trigger condition of a rule
type MatchEntry struct {
	Type  MatchType `json:"type"`
	Value string    `json:"value"`
	Regex bool      `json:"regex,omitempty"`
}

// RuleInput locates a gear input by file type within the triggering container
type RuleInput struct {
	Type string `json:"type"`
}

// Rule spawns a job for Alg when a committed file satisfies its trigger
type Rule struct {
	ID        string               `json:"id,omitempty"`
	ProjectID string               `json:"project_id"`
	Name      string               `json:"name"`
	Alg       string               `json:"alg"`
	Any       []MatchEntry         `json:"any"`
	All       []MatchEntry         `json:"all"`
	Inputs    map[string]RuleInput `json:"inputs,omitempty"`
}
