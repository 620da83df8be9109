package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the studio HTTP port inside its container.
const DefaultPort = 8000

// Addresser finds the network address of a named container. docker.Client satisfies it.
type Addresser interface {
	ContainerAddress(ctx context.Context, name string) (string, error)
	HasPort(ctx context.Context, name string, port int) (bool, error)
}

// ContainerLookup returns a Lookup that builds http://<container-ip>:<port>.
//
// Used when the harness cannot reach published ports on localhost, e.g. on CI runners.
// A container without an address, or one that neither exposes nor publishes port,
// yields "" so the resolver falls through to its default.
func ContainerLookup(addresser Addresser, container string, port int) Lookup {
	if port <= 0 {
		port = DefaultPort
	}
	container = strings.TrimSpace(container)
	return func(ctx context.Context) (string, error) {
		if addresser == nil {
			return "", errors.New("container addresser is nil")
		}
		ip, err := addresser.ContainerAddress(ctx, container)
		if err != nil {
			return "", fmt.Errorf("look up %s address: %w", container, err)
		}
		ip = strings.TrimSpace(ip)
		if ip == "" {
			return "", nil
		}
		exposed, err := addresser.HasPort(ctx, container, port)
		if err != nil {
			return "", fmt.Errorf("check %s port %d: %w", container, port, err)
		}
		if !exposed {
			return "", nil
		}
		return "http://" + net.JoinHostPort(ip, strconv.Itoa(port)), nil
	}
}
