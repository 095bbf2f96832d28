package service

import (
	"context"
	"errors"
	"fmt"
	"gear-queue/internal/auth"
	"gear-queue/internal/models"
	"gear-queue/internal/repository"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FileService manages the catalog around the queue: containers and their
// files, rules and gears. Committing a file triggers the spawner.
type FileService struct {
	containers *repository.Registry
	rules      repository.RuleRepository
	gears      repository.GearRepository
	spawner    *Spawner
	logger     *logrus.Entry
}

var _ OutputCommitter = (*FileService)(nil)

// NewFileService creates a new file service
func NewFileService(containers *repository.Registry, rules repository.RuleRepository, gears repository.GearRepository, spawner *Spawner, logger *logrus.Entry) *FileService {
	return &FileService{
		containers: containers,
		rules:      rules,
		gears:      gears,
		spawner:    spawner,
		logger:     logger,
	}
}

// PutContainer creates or replaces a container. Replacing needs write access
// to the stored container, and admin access if its permissions change.
// Creating needs write access to the parent. Kinds without a parent can only
// be created by privileged subjects.
func (s *FileService) PutContainer(ctx context.Context, c *models.Container, subject auth.Subject) error {
	if _, err := s.containers.Store(c.Kind); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	existing, err := s.containers.GetContainer(ctx, c.Kind, c.ID)
	switch {
	case err == nil:
		if err := checkAccess(existing, subject, auth.OpUpdate); err != nil {
			return err
		}
		if !samePermissions(existing.Permissions, c.Permissions) {
			if err := checkAccess(existing, subject, auth.OpDelete); err != nil {
				return err
			}
		}
		c.Created = existing.Created
	case errors.Is(err, repository.ErrNotFound):
		if err := s.checkCreate(ctx, c, subject); err != nil {
			return err
		}
	default:
		return err
	}

	if err := s.containers.PutContainer(ctx, c); err != nil {
		return fmt.Errorf("failed to save container: %w", err)
	}
	return nil
}

func (s *FileService) checkCreate(ctx context.Context, c *models.Container, subject auth.Subject) error {
	if subject.Privileged() {
		return nil
	}

	var parent models.ContainerReference
	switch c.Kind {
	case models.KindProject:
		parent = models.ContainerReference{Type: models.KindGroup, ID: c.Group}
	case models.KindSession:
		parent = models.ContainerReference{Type: models.KindProject, ID: c.Project}
	case models.KindAcquisition:
		parent = models.ContainerReference{Type: models.KindSession, ID: c.Session}
	case models.KindAnalysis:
		if c.Parent != nil {
			parent = *c.Parent
		}
	}
	if parent.ID == "" {
		return fmt.Errorf("%w: only privileged callers may create a %s without a parent", ErrPermissionDenied, c.Kind)
	}

	p, err := s.containers.GetContainer(ctx, parent.Type, parent.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: parent %s", ErrContainerNotFound, parent)
		}
		return err
	}
	return checkAccess(p, subject, auth.OpCreate)
}

func samePermissions(a, b []models.Permission) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[models.Permission]int, len(a))
	for _, p := range a {
		seen[p]++
	}
	for _, p := range b {
		if seen[p] == 0 {
			return false
		}
		seen[p]--
	}
	return true
}

// CommitFile stores a file on a container, replacing any file with the same
// name, and enqueues jobs for rules the new file satisfies. Returns the
// algorithm names queued.
func (s *FileService) CommitFile(ctx context.Context, ref models.ContainerReference, file models.File, subject auth.Subject) ([]string, error) {
	if file.Name == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	return s.commit(ctx, ref, []models.File{file}, subject)
}

// CommitOutputs stores the files a job saved on its destination, guessing
// each file's type from its name, and enqueues the jobs they trigger.
func (s *FileService) CommitOutputs(ctx context.Context, job *models.Job, names []string) ([]string, error) {
	files := make([]models.File, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		files = append(files, models.File{Name: name, Type: GuessFileType(name)})
	}
	if len(files) == 0 {
		return nil, nil
	}
	engine := auth.Subject{UID: "job:" + job.ID, Drone: true}
	return s.commit(ctx, job.Destination, files, engine)
}

func (s *FileService) commit(ctx context.Context, ref models.ContainerReference, files []models.File, subject auth.Subject) ([]string, error) {
	before, err := s.containers.GetContainer(ctx, ref.Type, ref.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, ref)
		}
		return nil, err
	}
	if err := checkAccess(before, subject, auth.OpUpdate); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	after := before.Copy()
	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.Modified.IsZero() {
			f.Modified = now
		}
		after.UpsertFile(f)
		names = append(names, f.Name)
	}
	if err := s.containers.PutContainer(ctx, after); err != nil {
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{"container": ref.String(), "files": names})
	log.Info("files committed")

	spawned, err := s.spawner.CreateJobs(ctx, before, after, ref.Type)
	if err != nil {
		log.WithError(err).Error("failed to create jobs for files")
		return spawned, err
	}
	return spawned, nil
}

// fileTypes maps name suffixes to file types, longest suffix first
var fileTypes = []struct {
	suffix string
	kind   string
}{
	{".dicom.zip", "dicom"},
	{".nii.gz", "nifti"},
	{".tar.gz", "archive"},
	{".dcm", "dicom"},
	{".nii", "nifti"},
	{".bval", "bval"},
	{".bvec", "bvec"},
	{".csv", "tabular data"},
	{".tsv", "tabular data"},
	{".json", "json"},
	{".txt", "text"},
	{".log", "log"},
	{".pdf", "pdf"},
	{".png", "image"},
	{".jpg", "image"},
	{".zip", "archive"},
}

// GuessFileType derives a file type from a file name. Unknown names get an
// empty type.
func GuessFileType(name string) string {
	lower := strings.ToLower(name)
	for _, ft := range fileTypes {
		if strings.HasSuffix(lower, ft.suffix) {
			return ft.kind
		}
	}
	return ""
}

// AddRule validates and stores a rule. The rule's algorithm must name a
// known gear.
func (s *FileService) AddRule(ctx context.Context, rule *models.Rule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	if _, err := s.gears.FindGearByName(ctx, rule.Alg); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: no gear named %s", ErrInvalidRule, rule.Alg)
		}
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := s.rules.InsertRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"rule": rule.ID, "project": rule.ProjectID, "alg": rule.Alg}).Info("rule added")
	return nil
}

// ListRules returns the rules of a project, or site rules for "site"
func (s *FileService) ListRules(ctx context.Context, scope string) ([]*models.Rule, error) {
	rules, err := s.rules.ListRules(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// DeleteRule removes a rule
func (s *FileService) DeleteRule(ctx context.Context, id string) error {
	if err := s.rules.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return nil
}

// AddGear validates and stores a gear manifest
func (s *FileService) AddGear(ctx context.Context, gear *models.Gear) error {
	if err := ValidateGear(gear); err != nil {
		return err
	}
	if gear.ID == "" {
		gear.ID = uuid.New().String()
	}
	gear.Created = time.Now().UTC()
	if err := s.gears.InsertGear(ctx, gear); err != nil {
		return fmt.Errorf("failed to save gear: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"gear_id": gear.ID, "name": gear.Name}).Info("gear added")
	return nil
}
