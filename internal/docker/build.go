package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
)

// BuildImage builds an image from dir using its Dockerfile and streams
// human-readable progress lines to sink.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, sink func(string)) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}

	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := c.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	})
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var ev buildEvent
		if err := decoder.Decode(&ev); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if msg := ev.errorText(); msg != "" {
			return fmt.Errorf("docker image build: %s", msg)
		}
		if line := ev.text(); line != "" && sink != nil {
			sink(line)
		}
	}
}

type buildEvent struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	ID          string `json:"id"`
	Progress    string `json:"progress"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (e buildEvent) errorText() string {
	if msg := strings.TrimSpace(e.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(e.ErrorDetail.Message)
}

func (e buildEvent) text() string {
	if s := strings.TrimSpace(e.Stream); s != "" {
		return s
	}
	if e.Status == "" {
		return ""
	}
	parts := make([]string, 0, 3)
	if id := strings.TrimSpace(e.ID); id != "" {
		parts = append(parts, id)
	}
	parts = append(parts, strings.TrimSpace(e.Status))
	if p := strings.TrimSpace(e.Progress); p != "" {
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}
