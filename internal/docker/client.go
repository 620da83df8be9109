package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// logReadLimitBytes caps how much of a container log stream is buffered.
const logReadLimitBytes = 4 << 20

// API is the subset of the Docker Engine client used by the harness.
type API interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// Client wraps the Docker Engine API for address lookup and log capture.
type Client struct {
	api API
}

// NewFromEnv connects using DOCKER_HOST and friends with API version negotiation.
func NewFromEnv() (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{api: api}, nil
}

// New wraps an existing API implementation.
func New(api API) (*Client, error) {
	if api == nil {
		return nil, errors.New("docker api is required")
	}
	return &Client{api: api}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// ContainerAddress returns the first non-empty IP address across the container's networks.
//
// Networks are visited in name order so the result is stable.
func (c *Client) ContainerAddress(ctx context.Context, name string) (string, error) {
	info, err := c.inspect(ctx, name)
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", nil
	}

	networks := make([]string, 0, len(info.NetworkSettings.Networks))
	for network := range info.NetworkSettings.Networks {
		networks = append(networks, network)
	}
	sort.Strings(networks)
	for _, network := range networks {
		settings := info.NetworkSettings.Networks[network]
		if settings == nil {
			continue
		}
		if ip := strings.TrimSpace(settings.IPAddress); ip != "" {
			return ip, nil
		}
	}
	return "", nil
}

// HasPort reports whether the container exposes or publishes the given TCP port.
func (c *Client) HasPort(ctx context.Context, name string, port int) (bool, error) {
	info, err := c.inspect(ctx, name)
	if err != nil {
		return false, err
	}
	want, err := nat.NewPort("tcp", strconv.Itoa(port))
	if err != nil {
		return false, fmt.Errorf("parse port %d: %w", port, err)
	}
	if info.NetworkSettings != nil {
		if _, ok := info.NetworkSettings.Ports[want]; ok {
			return true, nil
		}
	}
	if info.Config != nil {
		if _, ok := info.Config.ExposedPorts[want]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Logs returns the last tail lines of combined stdout and stderr for a container.
func (c *Client) Logs(ctx context.Context, name string, tail int) (string, error) {
	info, err := c.inspect(ctx, name)
	if err != nil {
		return "", err
	}

	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "all",
	}
	if tail > 0 {
		options.Tail = strconv.Itoa(tail)
	}

	stream, err := c.api.ContainerLogs(ctx, name, options)
	if err != nil {
		return "", fmt.Errorf("fetch logs for container %s: %w", name, err)
	}
	defer stream.Close()

	limited := io.LimitReader(stream, logReadLimitBytes)
	var out bytes.Buffer
	if info.Config != nil && info.Config.Tty {
		if _, err := io.Copy(&out, limited); err != nil {
			return out.String(), fmt.Errorf("read logs for container %s: %w", name, err)
		}
		return out.String(), nil
	}

	// Non-TTY containers multiplex stdout and stderr frames on one stream.
	if _, err := stdcopy.StdCopy(&out, &out, limited); err != nil {
		return out.String(), fmt.Errorf("demultiplex logs for container %s: %w", name, err)
	}
	return out.String(), nil
}

func (c *Client) inspect(ctx context.Context, name string) (types.ContainerJSON, error) {
	if c == nil || c.api == nil {
		return types.ContainerJSON{}, errors.New("docker client is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return types.ContainerJSON{}, errors.New("container name is required")
	}
	info, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		return types.ContainerJSON{}, fmt.Errorf("inspect container %s: %w", name, err)
	}
	return info, nil
}
