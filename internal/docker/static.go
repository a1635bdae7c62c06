package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const staticDockerfile = `FROM nginx:alpine
COPY . /usr/share/nginx/html
EXPOSE 80
`

// BuildStaticSiteImage packages a directory of published artifacts into
// an nginx image. The build context is assembled in a throwaway
// directory so the serving tree is never touched.
func (c *Client) BuildStaticSiteImage(ctx context.Context, contentDir, tag string, sink func(string)) error {
	if contentDir == "" {
		return fmt.Errorf("content directory cannot be empty")
	}
	buildDir, err := os.MkdirTemp("", "stackd-image-*")
	if err != nil {
		return fmt.Errorf("create image build dir: %w", err)
	}
	defer os.RemoveAll(buildDir)

	if err := os.CopyFS(buildDir, os.DirFS(contentDir)); err != nil {
		return fmt.Errorf("stage site content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte(staticDockerfile), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	return c.BuildImage(ctx, buildDir, tag, nil, sink)
}
