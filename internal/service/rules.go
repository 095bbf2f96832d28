package service

import (
	"fmt"
	"gear-queue/internal/models"
	"path"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// RuleEvaluator decides whether a rule's trigger holds for a file.
// Missing file properties never raise: the match is false.
type RuleEvaluator struct {
	logger *logrus.Entry
}

// NewRuleEvaluator creates a rule evaluator
func NewRuleEvaluator(logger *logrus.Entry) *RuleEvaluator {
	return &RuleEvaluator{logger: logger}
}

// EvalMatch checks one match entry against a file and its container
func (e *RuleEvaluator) EvalMatch(matchType models.MatchType, param string, file *models.File, container *models.Container, regex bool) (bool, error) {
	switch matchType {
	case models.MatchFileType:
		if file.Type == "" {
			e.logger.WithField("file", file.Name).Debug("file has no type, file.type match is false")
			return false, nil
		}
		return e.matchValue(param, file.Type, regex), nil

	case models.MatchFileName:
		if regex {
			return e.matchValue(param, file.Name, true), nil
		}
		ok, err := path.Match(param, file.Name)
		if err != nil {
			e.logger.WithError(err).WithField("pattern", param).Warn("bad filename pattern")
			return false, nil
		}
		return ok, nil

	case models.MatchFileClassification, models.MatchFileMeasurements:
		if len(file.Classification) == 0 {
			e.logger.WithField("file", file.Name).Debug("file has no classification")
			return false, nil
		}
		for _, values := range file.Classification {
			for _, v := range values {
				if e.matchValue(param, v, regex) {
					return true, nil
				}
			}
		}
		return false, nil

	case models.MatchContainerHasType:
		if container == nil {
			return false, nil
		}
		for _, f := range container.Files {
			if f.Type != "" && e.matchValue(param, f.Type, regex) {
				return true, nil
			}
		}
		return false, nil
	}

	return false, fmt.Errorf("%w: %q", ErrUnsupportedMatch, matchType)
}

// EvalRule checks a whole rule: one of Any (when present) and all of All.
// A rule with neither list always matches.
func (e *RuleEvaluator) EvalRule(rule *models.Rule, file *models.File, container *models.Container) (bool, error) {
	if len(rule.Any) > 0 {
		found := false
		for _, m := range rule.Any {
			ok, err := e.EvalMatch(m.Type, m.Value, file, container, m.Regex)
			if err != nil {
				return false, err
			}
			if ok {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	for _, m := range rule.All {
		ok, err := e.EvalMatch(m.Type, m.Value, file, container, m.Regex)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// matchValue compares case-insensitively, or as a regex anchored at the start
func (e *RuleEvaluator) matchValue(param, value string, regex bool) bool {
	if !regex {
		return strings.EqualFold(param, value)
	}
	re, err := compileMatchRegex(param)
	if err != nil {
		e.logger.WithError(err).WithField("pattern", param).Warn("bad match regex")
		return false
	}
	return re.MatchString(value)
}

func compileMatchRegex(param string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + param + ")")
}

// ValidateRule rejects rules the evaluator could not run
func ValidateRule(rule *models.Rule) error {
	if rule.Alg == "" {
		return fmt.Errorf("%w: alg is required", ErrInvalidRule)
	}
	if rule.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidRule)
	}
	for _, list := range [][]models.MatchEntry{rule.Any, rule.All} {
		for _, m := range list {
			switch m.Type {
			case models.MatchFileType, models.MatchFileName, models.MatchFileClassification,
				models.MatchFileMeasurements, models.MatchContainerHasType:
			default:
				return fmt.Errorf("%w: %w %q", ErrInvalidRule, ErrUnsupportedMatch, m.Type)
			}
			if m.Regex {
				if _, err := compileMatchRegex(m.Value); err != nil {
					return fmt.Errorf("%w: regex %q: %v", ErrInvalidRule, m.Value, err)
				}
			} else if m.Type == models.MatchFileName {
				if _, err := path.Match(m.Value, ""); err != nil {
					return fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, m.Value, err)
				}
			}
		}
	}
	for name, in := range rule.Inputs {
		if in.Type == "" {
			return fmt.Errorf("%w: input %q has no file type", ErrInvalidRule, name)
		}
	}
	return nil
}
