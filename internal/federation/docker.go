package federation

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// ContainerRestarter restarts the containers that must pick up a
// changed whitelist.
type ContainerRestarter interface {
	RestartByLabel(ctx context.Context, label string, timeout time.Duration) (int, error)
}

type dockerRestarter struct {
	cli *client.Client
}

func NewDockerRestarter() (ContainerRestarter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &dockerRestarter{cli: cli}, nil
}

func (d *dockerRestarter) RestartByLabel(ctx context.Context, label string, timeout time.Duration) (int, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return 0, err
	}

	seconds := int(timeout.Seconds())
	restarted := 0
	for _, c := range containers {
		if c.State != "running" {
			continue
		}
		if err := d.cli.ContainerRestart(ctx, c.ID, container.StopOptions{Timeout: &seconds}); err != nil {
			logrus.Errorf("Failed to restart container %s: %v", c.ID, err)
			continue
		}
		restarted++
	}
	return restarted, nil
}
