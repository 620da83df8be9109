package process

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default container names of the studio stack.
const (
	StudioContainer = "norsk-studio"
	MediaContainer  = "norsk-media"
)

// Group is the set of containers started and stopped as one unit.
type Group struct {
	Name      string
	Processes []string
}

// DefaultGroup is the studio plus media engine pair brought up by up.sh.
func DefaultGroup() Group {
	return Group{Name: StudioContainer, Processes: []string{StudioContainer, MediaContainer}}
}

// Validate requires a name and at least one non-empty process.
func (g Group) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return errors.New("group name is required")
	}
	if len(g.Processes) == 0 {
		return fmt.Errorf("group %s has no processes", g.Name)
	}
	for _, name := range g.Processes {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("group %s has an empty process name", g.Name)
		}
	}
	return nil
}

type composeFile struct {
	Services map[string]struct {
		ContainerName string `yaml:"container_name"`
	} `yaml:"services"`
}

// LoadComposeGroup builds a Group from a docker compose file.
//
// Each service contributes its container_name, or the service name when unset.
// Processes are ordered by service name.
func LoadComposeGroup(path, name string) (Group, error) {
	// #nosec G304 -- compose path comes from harness configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return Group{}, fmt.Errorf("read compose file %q: %w", path, err)
	}

	var decoded composeFile
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return Group{}, fmt.Errorf("decode compose file %q: %w", path, err)
	}
	if len(decoded.Services) == 0 {
		return Group{}, fmt.Errorf("compose file %q defines no services", path)
	}

	services := make([]string, 0, len(decoded.Services))
	for service := range decoded.Services {
		services = append(services, service)
	}
	sort.Strings(services)

	group := Group{Name: strings.TrimSpace(name), Processes: make([]string, 0, len(services))}
	for _, service := range services {
		container := strings.TrimSpace(decoded.Services[service].ContainerName)
		if container == "" {
			container = service
		}
		group.Processes = append(group.Processes, container)
	}
	if group.Name == "" {
		group.Name = group.Processes[0]
	}
	return group, nil
}
