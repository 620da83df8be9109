package process

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultGroupIsValid(t *testing.T) {
	t.Parallel()

	group := DefaultGroup()
	if err := group.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !reflect.DeepEqual(group.Processes, []string{StudioContainer, MediaContainer}) {
		t.Fatalf("processes = %v", group.Processes)
	}
}

func TestGroupValidate(t *testing.T) {
	t.Parallel()

	for name, group := range map[string]Group{
		"missing name":  {Processes: []string{"a"}},
		"no processes":  {Name: "studio"},
		"blank process": {Name: "studio", Processes: []string{"a", " "}},
	} {
		if err := group.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadComposeGroup(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "docker-compose.yml")
	compose := `
services:
  studio:
    image: norskvideo/norsk-studio:latest
    container_name: norsk-studio
  media:
    image: norskvideo/norsk:latest
    container_name: norsk-media
  srt-source:
    image: linuxserver/ffmpeg
`
	if err := os.WriteFile(path, []byte(compose), 0o600); err != nil {
		t.Fatalf("write compose: %v", err)
	}

	group, err := LoadComposeGroup(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"norsk-media", "srt-source", "norsk-studio"}
	if !reflect.DeepEqual(group.Processes, want) {
		t.Fatalf("processes = %v, want %v", group.Processes, want)
	}
	if group.Name != "norsk-media" {
		t.Fatalf("name = %q, want first process", group.Name)
	}

	named, err := LoadComposeGroup(path, "studio-stack")
	if err != nil {
		t.Fatalf("load named: %v", err)
	}
	if named.Name != "studio-stack" {
		t.Fatalf("name = %q", named.Name)
	}
}

func TestLoadComposeGroupErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := LoadComposeGroup(filepath.Join(dir, "missing.yml"), ""); err == nil {
		t.Fatal("expected read error")
	}

	empty := filepath.Join(dir, "empty.yml")
	if err := os.WriteFile(empty, []byte("version: '3'\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadComposeGroup(empty, ""); err == nil {
		t.Fatal("expected error for compose file without services")
	}
}
