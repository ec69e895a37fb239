package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

type containerSpec struct {
	image string
	env   []string
	port  nat.Port
	cmd   []string
}

// runContainer starts spec in docker, stops it when the test ends and returns the host address
// its port is published on.
func runContainer(t testing.TB, spec containerSpec) string {
	ctx := context.Background()

	dockerClient, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		dockerClient.Close()
	})

	allImages, err := dockerClient.ImageList(ctx, image.ListOptions{All: true})
	require.NoError(t, err)

	found := false
AllImages:
	for _, img := range allImages {
		for _, tag := range img.RepoTags {
			if strings.Contains(tag, spec.image) {
				found = true
				break AllImages
			}
		}
	}

	if !found {
		t.Logf("Pulling image %s", spec.image)
		reader, err := dockerClient.ImagePull(ctx, spec.image, image.PullOptions{})
		require.NoError(t, err)

		_, err = io.Copy(io.Discard, reader) // consume the image pull output to make sure it's done
		require.NoError(t, err)
	}

	containerCfg := container.Config{
		Env:          spec.env,
		ExposedPorts: nat.PortSet{spec.port: {}},
		Image:        spec.image,
		Cmd:          spec.cmd,
	}

	hostCfg := container.HostConfig{
		AutoRemove:      true,
		PublishAllPorts: true,
	}

	name := strings.SplitN(spec.image, ":", 2)[0] + "-" + ulid.Make().String()

	cont, err := dockerClient.ContainerCreate(ctx, &containerCfg, &hostCfg, nil, nil, name)
	require.NoError(t, err, "failed to create %s docker container", spec.image)

	t.Cleanup(func() {
		t.Logf("stopping container %s", name)
		timeoutSec := 5

		err := dockerClient.ContainerStop(context.Background(), cont.ID, container.StopOptions{Timeout: &timeoutSec})
		if err != nil && !errdefs.IsNotFound(err) {
			t.Logf("failed to stop container %s: %v", name, err)
		}
	})

	err = dockerClient.ContainerStart(ctx, cont.ID, container.StartOptions{})
	require.NoError(t, err, "failed to start %s container", spec.image)

	inspected, err := dockerClient.ContainerInspect(ctx, cont.ID)
	require.NoError(t, err)

	bindings, ok := inspected.NetworkSettings.Ports[spec.port]
	if !ok || len(bindings) == 0 {
		require.Fail(t, "failed to get host port mapping from container "+name)
	}

	return "localhost:" + bindings[0].HostPort
}
