package service

import (
	"context"
	"errors"
	"fmt"
	"gear-queue/internal/models"
	"gear-queue/internal/repository"

	"github.com/sirupsen/logrus"
)

// maxRuleDepth bounds the walk up the container hierarchy
const maxRuleDepth = 8

// Spawner creates jobs for rules newly satisfied by a change to a container
type Spawner struct {
	rules      repository.RuleRepository
	gears      repository.GearRepository
	containers *repository.Registry
	queue      *Queue
	evaluator  *RuleEvaluator
	logger     *logrus.Entry
}

// NewSpawner creates a new spawner
func NewSpawner(rules repository.RuleRepository, gears repository.GearRepository, containers *repository.Registry, queue *Queue, evaluator *RuleEvaluator, logger *logrus.Entry) *Spawner {
	return &Spawner{
		rules:      rules,
		gears:      gears,
		containers: containers,
		queue:      queue,
		evaluator:  evaluator,
		logger:     logger,
	}
}

type potentialJob struct {
	rule *models.Rule
	job  *models.Job
}

// CreateJobs compares the jobs rules would fire for the before and after
// snapshots of a container and enqueues only those new in after. Returns the
// algorithm names queued. A nil before counts as an empty container.
func (s *Spawner) CreateJobs(ctx context.Context, before, after *models.Container, kind models.ContainerKind) ([]string, error) {
	if after == nil {
		return nil, nil
	}
	if after.Kind == "" {
		after.Kind = kind
	}

	rules, err := s.RulesForContainer(ctx, after)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	gears := make(map[string]*models.Gear)

	seen := make(map[string]struct{})
	if before != nil {
		if before.Kind == "" {
			before.Kind = kind
		}
		jobsBefore, err := s.potentialJobs(ctx, before, rules, gears)
		if err != nil {
			return nil, err
		}
		for _, pj := range jobsBefore {
			seen[pj.job.Intention()] = struct{}{}
		}
	}

	jobsAfter, err := s.potentialJobs(ctx, after, rules, gears)
	if err != nil {
		return nil, err
	}

	var spawned []string
	for _, pj := range jobsAfter {
		key := pj.job.Intention()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		job, err := s.queue.Enqueue(ctx, pj.job)
		if err != nil {
			return spawned, err
		}
		s.logger.WithFields(logrus.Fields{
			"job_id":    job.ID,
			"rule":      pj.rule.ID,
			"alg":       pj.rule.Alg,
			"container": after.Reference().String(),
		}).Info("rule fired")
		spawned = append(spawned, pj.rule.Alg)
	}

	return spawned, nil
}

// potentialJobs evaluates every rule against every file in the container
func (s *Spawner) potentialJobs(ctx context.Context, c *models.Container, rules []*models.Rule, gears map[string]*models.Gear) ([]potentialJob, error) {
	var out []potentialJob
	for i := range c.Files {
		file := &c.Files[i]
		for _, rule := range rules {
			ok, err := s.evaluator.EvalRule(rule, file, c)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
			}
			if !ok {
				continue
			}

			gear, err := s.gearFor(ctx, rule.Alg, gears)
			if err != nil {
				return nil, err
			}
			if gear == nil {
				continue
			}

			inputs, err := ruleInputs(rule, gear, file, c)
			if err != nil {
				return nil, err
			}

			out = append(out, potentialJob{
				rule: rule,
				job: &models.Job{
					GearID:      gear.ID,
					Inputs:      inputs,
					Destination: c.Reference(),
					Config:      ConfigDefaults(gear),
					Tags:        []string{"auto", gear.Name},
					Origin:      models.Origin{Type: models.OriginSystem, ID: "rule:" + rule.ID},
				},
			})
		}
	}
	return out, nil
}

// gearFor resolves a rule's algorithm name. A rule naming a missing gear is
// skipped with a warning so one stale rule cannot block file commits.
func (s *Spawner) gearFor(ctx context.Context, alg string, cache map[string]*models.Gear) (*models.Gear, error) {
	if gear, ok := cache[alg]; ok {
		return gear, nil
	}
	gear, err := s.gears.FindGearByName(ctx, alg)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to find gear %s: %w", alg, err)
		}
		s.logger.WithField("alg", alg).Warn("rule names unknown gear, skipping")
		gear = nil
	}
	cache[alg] = gear
	return gear, nil
}

// ruleInputs resolves the job inputs of a fired rule
func ruleInputs(rule *models.Rule, gear *models.Gear, file *models.File, c *models.Container) (map[string]models.FileReference, error) {
	if len(rule.Inputs) == 0 {
		name := "file"
		if names := gear.FileInputNames(); len(names) > 0 {
			name = names[0]
		}
		return map[string]models.FileReference{
			name: {Type: c.Kind, ID: c.ID, Name: file.Name},
		}, nil
	}

	inputs := make(map[string]models.FileReference, len(rule.Inputs))
	for name, match := range rule.Inputs {
		found := false
		for _, f := range c.Files {
			if f.Type == match.Type {
				inputs[name] = models.FileReference{Type: c.Kind, ID: c.ID, Name: f.Name}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("rule %s matched but no file of type %q exists in %s for input %s",
				rule.ID, match.Type, c.Reference(), name)
		}
	}
	return inputs, nil
}

// RulesForContainer returns the project rules governing c plus all site rules
func (s *Spawner) RulesForContainer(ctx context.Context, c *models.Container) ([]*models.Rule, error) {
	rules, err := s.projectRules(ctx, c, 0)
	if err != nil {
		return nil, err
	}
	site, err := s.rules.ListRules(ctx, models.SiteScope)
	if err != nil {
		return nil, fmt.Errorf("failed to list site rules: %w", err)
	}
	return append(rules, site...), nil
}

func (s *Spawner) projectRules(ctx context.Context, c *models.Container, depth int) ([]*models.Rule, error) {
	if depth > maxRuleDepth {
		return nil, fmt.Errorf("container hierarchy above %s is too deep", c.Reference())
	}

	switch {
	case c.Kind == models.KindProject:
		return s.listProjectRules(ctx, c.ID)
	case c.Kind == models.KindCollection || c.Kind == models.KindGroup:
		return nil, nil
	case c.Session != "" && c.Kind != models.KindSession:
		// Sessions hold no rules of their own; continue to their project.
		session, err := s.containers.GetContainer(ctx, models.KindSession, c.Session)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", c.Session, err)
		}
		return s.projectRules(ctx, session, depth+1)
	case c.Project != "":
		return s.listProjectRules(ctx, c.Project)
	case c.Parent != nil:
		parent, err := s.containers.GetContainer(ctx, c.Parent.Type, c.Parent.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent %s: %w", c.Parent, err)
		}
		return s.projectRules(ctx, parent, depth+1)
	}
	return nil, nil
}

func (s *Spawner) listProjectRules(ctx context.Context, projectID string) ([]*models.Rule, error) {
	rules, err := s.rules.ListRules(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for project %s: %w", projectID, err)
	}
	return rules, nil
}
