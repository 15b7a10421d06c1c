package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"go.uber.org/zap"
)

var baseImages = map[string]string{
	"java":   "eclipse-temurin:%s-jdk",
	"python": "python:%s",
}

const defaultBaseImage = "ubuntu:22.04"

var dockerfileTemplate = template.Must(template.New("Dockerfile").Funcs(sprig.TxtFuncMap()).Parse(`FROM {{ .BaseImage }}
RUN apt-get update && env DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends {{ .Packages | join " " }} && rm -rf /var/lib/apt/lists/*
RUN mkdir -p {{ .MountPath | quote }}
WORKDIR {{ .MountPath | quote }}
`))

var tagEscaper = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

type sdk struct {
	name    string
	version string
}

// parseSDK accepts "<name>:<version>" or "default".
func parseSDK(s string) (sdk, error) {
	if s == "" || s == "default" {
		return sdk{name: "default"}, nil
	}
	name, version, ok := strings.Cut(s, ":")
	if !ok || version == "" {
		return sdk{}, fmt.Errorf("invalid sdk %q: expected <name>:<version>", s)
	}
	name = strings.ToLower(name)
	if _, known := baseImages[name]; !known {
		return sdk{}, fmt.Errorf("unsupported sdk: %s", name)
	}
	return sdk{name: name, version: version}, nil
}

func (s sdk) baseImage() string {
	if s.name == "default" {
		return defaultBaseImage
	}
	return fmt.Sprintf(baseImages[s.name], s.version)
}

func (s sdk) tag(prefix string) string {
	name := s.name
	if s.version != "" {
		name += "-" + s.version
	}
	return fmt.Sprintf("%s-base:%s", prefix, tagEscaper.ReplaceAllString(name, "_"))
}

func (m *Manager) dockerfile(s sdk) (string, error) {
	var buf bytes.Buffer
	err := dockerfileTemplate.Execute(&buf, map[string]any{
		"BaseImage": s.baseImage(),
		"Packages":  m.config.GetSystemPackages(),
		"MountPath": m.config.GetMountPath(),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildBaseImage returns the base image for the SDK, building it only if no
// image with its tag exists yet.
func (m *Manager) BuildBaseImage(ctx context.Context, sdkName string) (string, error) {
	s, err := parseSDK(sdkName)
	if err != nil {
		return "", err
	}
	tag := s.tag(m.config.GetImagePrefix())

	ch := m.builds.DoChan(tag, func() (any, error) {
		// Shared by every caller waiting on the tag, so it must outlive the
		// request that started it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.GetBuildTimeout())
		defer cancel()

		id, ok, err := m.images.FindImage(ctx, tag)
		if err != nil {
			return "", &Error{Op: "find image " + tag, Err: err}
		}
		if ok {
			m.logger.Debug("base image exists", zap.String("tag", tag), zap.String("imageID", id))
			return id, nil
		}

		dockerfile, err := m.dockerfile(s)
		if err != nil {
			return "", err
		}

		m.logger.Info("building base image", zap.String("tag", tag), zap.String("base", s.baseImage()))
		id, err = m.images.BuildImage(ctx, ImageSpec{Tag: tag, Dockerfile: dockerfile})
		if err != nil {
			return "", &Error{Op: "build image " + tag, Err: err}
		}
		return id, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}
