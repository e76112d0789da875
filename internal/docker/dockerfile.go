package docker

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"text/template"

	"github.com/bnema/mxtester/internal/config"
)

// dockerfileTemplate renders the image that layers test modules (and,
// in worker mode, the multi-process runtime) on top of the upstream
// synapse release.
var dockerfileTemplate = template.Must(template.New("Dockerfile").Parse(`
# A custom Dockerfile to rebuild synapse from the official release + plugins

FROM {{.BaseImage}}

VOLUME ["/data", "/conf/workers", "/etc/nginx/conf.d", "/etc/supervisor/conf.d", "/var/log/workers"]

# We're not running as root, to avoid messing up with the host
# filesystem, so we need a proper user. We give it the current
# user's uid to make sure that files written by this Docker image
# can be read and removed by the host's user.
# Note that we need tty to workaround the following Docker issue:
# https://github.com/moby/moby/issues/31243#issuecomment-406825071
RUN useradd mx-tester{{if .UID}} --uid {{.UID}}{{end}} --groups sudo,tty

# Add a password, to be able to run sudo. We'll use it to
# chmod files.
RUN echo "mx-tester:password" | chpasswd

# Show the Synapse version, to aid with debugging.
RUN pip show matrix-synapse
{{if .Workers}}
# Install dependencies
RUN apt-get update && apt-get install -y postgresql postgresql-client-13 supervisor redis nginx sudo lsof

# For workers, we're not using start.py but workers_start.py
# (which does call start.py, but that's a long story).
COPY workers_start.py /workers_start.py
COPY conf/* /conf/

# We're not going to be running workers_start.py as root, so
# let's make sure that it *can* run, write to /etc/nginx & co.
RUN chmod ugo+rx /workers_start.py && chown mx-tester /workers_start.py
{{end}}
# Copy and install custom modules.
RUN mkdir /mx-tester
{{range .Modules}}{{if .InstallLines}}## Setup {{.Name}}
{{range .InstallLines}}RUN {{.}}
{{end}}{{end}}{{end -}}
{{range .Modules}}{{range .Env}}ENV {{.Key}}={{.Value}}
{{end}}{{end -}}
{{range .Modules}}COPY {{.Name}} /mx-tester/{{.Name}}
{{end -}}
{{range .Modules}}{{$m := .}}{{range .Copy}}COPY {{.Source}} /mx-tester/{{$m.Name}}/{{.Dest}}
{{end}}{{end -}}
{{range .Modules}}RUN /usr/local/bin/python -m pip install /mx-tester/{{.Name}}
{{end}}
ENTRYPOINT []

EXPOSE {{.GuestPort}}/tcp 8009/tcp 8448/tcp
`))

type dockerfilePair struct {
	Key, Value string
}

type dockerfileCopy struct {
	Source, Dest string
}

type dockerfileModule struct {
	Name         string
	InstallLines []string
	Env          []dockerfilePair
	Copy         []dockerfileCopy
}

type dockerfileData struct {
	BaseImage string
	UID       string
	Workers   bool
	GuestPort uint16
	Modules   []dockerfileModule
}

// WriteDockerfile renders the Dockerfile for the given configuration
// into the synapse root, where the build context is assembled.
func WriteDockerfile(cfg *config.Config) error {
	data := dockerfileData{
		BaseImage: cfg.Synapse.Docker.Tag,
		UID:       buildUID(),
		Workers:   cfg.Workers.Enabled,
		GuestPort: config.GuestPort,
	}
	for _, module := range cfg.Modules {
		m := dockerfileModule{Name: module.Name}
		if module.Install != nil {
			m.InstallLines = module.Install.Lines
		}
		for _, key := range slices.Sorted(maps.Keys(module.Env)) {
			m.Env = append(m.Env, dockerfilePair{Key: key, Value: module.Env[key]})
		}
		for _, dest := range slices.Sorted(maps.Keys(module.Copy)) {
			m.Copy = append(m.Copy, dockerfileCopy{Source: module.Copy[dest], Dest: dest})
		}
		data.Modules = append(data.Modules, m)
	}

	var sb strings.Builder
	if err := dockerfileTemplate.Execute(&sb, data); err != nil {
		return fmt.Errorf("could not render Dockerfile: %w", err)
	}
	path := filepath.Join(cfg.SynapseRoot(), "Dockerfile")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}

// buildUID is the uid baked into the image's mx-tester user, so files
// written by the guest remain readable and removable from the host.
// When running as root (CI), useradd picks a free uid instead: the
// root uid is taken in the guest and root on the host can clean up
// anything anyway.
func buildUID() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	uid := os.Getuid()
	if uid == 0 {
		return ""
	}
	return fmt.Sprint(uid)
}

// ContainerUser is the uid the guest processes run under, matching the
// image's mx-tester user. Empty on platforms without uids.
func ContainerUser() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	return fmt.Sprint(os.Getuid())
}
