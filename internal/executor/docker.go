package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"gear-queue/internal/models"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

const containerPrefix = "gear-job-"

var exitPattern = regexp.MustCompile(`Exit was (\d+)`)

// ErrNoRequest is returned for a job that was claimed without a request
var ErrNoRequest = errors.New("job has no request")

// Docker runs gear requests as local containers. Each job gets a workspace
// directory whose input and output folders are bind mounted into the gear.
type Docker struct {
	cli     *client.Client
	workDir string
	logger  *logrus.Entry
}

// NewDocker connects to the Docker daemon from the environment. An empty
// apiVersion negotiates with the daemon.
func NewDocker(workDir, apiVersion string, logger *logrus.Entry) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if apiVersion != "" {
		opts = []client.Opt{client.FromEnv, client.WithVersion(apiVersion)}
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{cli: cli, workDir: workDir, logger: logger}, nil
}

// Close closes the Docker client
func (d *Docker) Close() error {
	return d.cli.Close()
}

// Execute runs the job's request and returns the names of the files the gear
// wrote to its output folder
func (d *Docker) Execute(ctx context.Context, job *models.Job) ([]string, error) {
	req := job.Request
	if req == nil {
		return nil, ErrNoRequest
	}
	log := d.logger.WithFields(logrus.Fields{"job_id": job.ID, "image": req.Target.Image})

	workspace := filepath.Join(d.workDir, job.ID)
	inputDir := filepath.Join(workspace, "input")
	outputDir := filepath.Join(workspace, "output")
	if err := prepareWorkspace(req, inputDir, outputDir); err != nil {
		return nil, err
	}
	defer os.RemoveAll(workspace)

	cfg := &container.Config{
		Image:      req.Target.Image,
		Cmd:        req.Target.Command,
		Env:        envList(req.Target.Env),
		WorkingDir: req.Target.Dir,
		Tty:        false,
		Labels: map[string]string{
			"gear-queue.managed": "true",
			"gear-queue.job_id":  job.ID,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: inputDir, Target: req.Target.Dir + "/input", ReadOnly: true},
			{Type: mount.TypeBind, Source: outputDir, Target: req.Target.Dir + "/output"},
		},
	}
	name := containerPrefix + job.ID

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		log.Info("pulling image")
		reader, pullErr := d.cli.ImagePull(ctx, req.Target.Image, image.PullOptions{})
		if pullErr != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", req.Target.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if err := d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.WithError(err).Warn("failed to remove container")
		}
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	log.Info("container started")

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var status int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("failed waiting for container: %w", err)
		}
	case s := <-statusCh:
		status = s.StatusCode
	}

	out, err := d.logs(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	log.WithField("status", status).Debug(out)

	if code := gearExitCode(out, status); code != 0 {
		return nil, fmt.Errorf("gear exited with code %d", code)
	}

	files, err := outputFiles(outputDir)
	if err != nil {
		return nil, err
	}
	log.WithField("files", len(files)).Info("container finished")
	return files, nil
}

func (d *Docker) logs(ctx context.Context, id string) (string, error) {
	reader, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return buf.String(), nil
}

// prepareWorkspace creates the input folder of every request input and an
// empty output folder
func prepareWorkspace(req *models.Request, inputDir, outputDir string) error {
	for _, in := range req.Inputs {
		rel := strings.TrimPrefix(in.Location, req.Target.Dir+"/input/")
		if err := os.MkdirAll(filepath.Join(inputDir, filepath.Dir(filepath.FromSlash(rel))), 0755); err != nil {
			return fmt.Errorf("failed to create input dir: %w", err)
		}
	}
	if err := os.MkdirAll(outputDir, 0777); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	// MkdirAll is subject to umask and the gear may run as any user.
	_ = os.Chmod(outputDir, 0777)
	return nil
}

// gearExitCode prefers the status echoed by the gear wrapper command over the
// container status, which is always that of the final echo
func gearExitCode(logs string, status int64) int64 {
	matches := exitPattern.FindAllStringSubmatch(logs, -1)
	if len(matches) == 0 {
		return status
	}
	code, err := strconv.ParseInt(matches[len(matches)-1][1], 10, 64)
	if err != nil {
		return status
	}
	return code
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func outputFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
