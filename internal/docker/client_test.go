package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norskvideo/norsk-studio-docker/internal/endpoint"
)

func TestContainerAddressPicksFirstNetworkWithIP(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{info: types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"bridge":      {IPAddress: ""},
				"studio_net":  {IPAddress: "172.20.0.4"},
				"zz_fallback": {IPAddress: "10.0.0.9"},
			},
		},
	}}
	client, err := New(api)
	require.NoError(t, err)

	ip, err := client.ContainerAddress(context.Background(), "norsk-studio")
	require.NoError(t, err)
	assert.Equal(t, "172.20.0.4", ip)
	assert.Equal(t, "norsk-studio", api.inspected)
}

func TestContainerAddressWrapsInspectError(t *testing.T) {
	t.Parallel()

	client, err := New(&fakeAPI{inspectErr: errors.New("No such container")})
	require.NoError(t, err)

	_, err = client.ContainerAddress(context.Background(), "norsk-studio")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inspect container norsk-studio")
}

func TestHasPort(t *testing.T) {
	t.Parallel()

	port := nat.Port("8000/tcp")
	info := types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{},
		Config:          &container.Config{ExposedPorts: nat.PortSet{port: struct{}{}}},
	}
	client, err := New(&fakeAPI{info: info})
	require.NoError(t, err)

	ok, err := client.HasPort(context.Background(), "norsk-studio", 8000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.HasPort(context.Background(), "norsk-studio", 9000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContainerLookupRequiresStudioPort(t *testing.T) {
	t.Parallel()

	networks := map[string]*network.EndpointSettings{"studio_net": {IPAddress: "172.20.0.4"}}
	published := types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{
				Ports: nat.PortMap{"8000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "8000"}}},
			},
			Networks: networks,
		},
	}
	bare := types.ContainerJSON{NetworkSettings: &types.NetworkSettings{Networks: networks}}

	client, err := New(&fakeAPI{info: published})
	require.NoError(t, err)
	url, err := endpoint.ContainerLookup(client, "norsk-studio", 8000)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://172.20.0.4:8000", url)

	client, err = New(&fakeAPI{info: bare})
	require.NoError(t, err)
	url, err = endpoint.ContainerLookup(client, "norsk-studio", 8000)(context.Background())
	require.NoError(t, err)
	assert.Empty(t, url, "a container without the studio port falls through to the default")
}

func TestLogsDemultiplexesNonTTYStreams(t *testing.T) {
	t.Parallel()

	var framed bytes.Buffer
	_, err := stdcopy.NewStdWriter(&framed, stdcopy.Stdout).Write([]byte("media ready\n"))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&framed, stdcopy.Stderr).Write([]byte("warn: no license\n"))
	require.NoError(t, err)

	api := &fakeAPI{
		info: types.ContainerJSON{Config: &container.Config{Tty: false}},
		logs: framed.Bytes(),
	}
	client, err := New(api)
	require.NoError(t, err)

	out, err := client.Logs(context.Background(), "norsk-media", 50)
	require.NoError(t, err)
	assert.Equal(t, "media ready\nwarn: no license\n", out)
	assert.Equal(t, "50", api.logOptions.Tail)
	assert.True(t, api.logOptions.ShowStdout)
	assert.True(t, api.logOptions.ShowStderr)
}

func TestLogsReadsTTYStreamsVerbatim(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		info: types.ContainerJSON{Config: &container.Config{Tty: true}},
		logs: []byte("plain output\n"),
	}
	client, err := New(api)
	require.NoError(t, err)

	out, err := client.Logs(context.Background(), "norsk-studio", 0)
	require.NoError(t, err)
	assert.Equal(t, "plain output\n", out)
	assert.Equal(t, "all", api.logOptions.Tail)
}

func TestNewRejectsNilAPI(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}

type fakeAPI struct {
	info       types.ContainerJSON
	inspectErr error
	logs       []byte
	logsErr    error
	inspected  string
	logOptions container.LogsOptions
}

func (f *fakeAPI) ContainerInspect(_ context.Context, name string) (types.ContainerJSON, error) {
	f.inspected = name
	return f.info, f.inspectErr
}

func (f *fakeAPI) ContainerLogs(_ context.Context, _ string, options container.LogsOptions) (io.ReadCloser, error) {
	f.logOptions = options
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeAPI) Close() error {
	return nil
}
