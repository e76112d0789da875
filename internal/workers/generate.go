package workers

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/bnema/mxtester/internal/config"
)

// Instance is one deployed worker: a kind plus its instance name and
// listener port.
type Instance struct {
	Kind Kind
	Name string
	Port int
	Data Data
}

// Instances expands a roster into concrete worker instances. Kinds
// deployed more than once are numbered; numbering is 1-based so the
// single background worker comes out as background_worker1, the name
// the shared configuration pins background tasks to.
func Instances(roster string) ([]Instance, error) {
	kinds, err := ParseRoster(roster)
	if err != nil {
		return nil, err
	}
	mainURI := fmt.Sprintf("http://127.0.0.1:%d", config.WorkerMainHTTPPort)
	counters := make(map[Kind]int)
	instances := make([]Instance, 0, len(kinds))
	for i, kind := range kinds {
		counters[kind]++
		data, err := Describe(kind, mainURI)
		if err != nil {
			return nil, err
		}
		instances = append(instances, Instance{
			Kind: kind,
			Name: fmt.Sprintf("%s%d", kind, counters[kind]),
			Port: startWorkerPort + i,
			Data: data,
		})
	}
	return instances, nil
}

var workerConfigTemplate = template.Must(template.New("worker.yaml").Parse(`# Configuration for a single worker instance.
worker_app: "{{.Data.App}}"
worker_name: "{{.Name}}"

# The replication listener on the main synapse process.
worker_replication_host: 127.0.0.1
worker_replication_http_port: {{.ReplicationPort}}

worker_listeners:
  - type: http
    port: {{.Port}}
{{- if .Data.ListenerResources}}
    resources:
      - names:
{{- range .Data.ListenerResources}}
          - {{.}}
{{- end}}
{{- end}}

worker_log_config: /conf/workers/{{.Name}}.log.config
{{if .Data.WorkerExtraConf}}
{{.Data.WorkerExtraConf}}
{{end}}`))

var workerLogConfigTemplate = template.Must(template.New("log.config").Parse(`version: 1

formatters:
    precise:
        format: '%(asctime)s - worker:{{.Name}} - %(name)s - %(lineno)d - %(levelname)s - %(request)s - %(message)s'

handlers:
    file:
        class: logging.handlers.TimedRotatingFileHandler
        formatter: precise
        filename: /var/log/workers/{{.Name}}.log
        when: "midnight"
        backupCount: 6  # Does not include the current log file.
        encoding: utf8

    # Default to buffering writes to log file for efficiency.
    # WARNING/ERROR logs will still be flushed immediately, but there will be a
    # delay before INFO/DEBUG logs get written.
    buffer:
        class: synapse.logging.handlers.PeriodicallyFlushingMemoryHandler
        target: file
        capacity: 10
        flushLevel: 30  # Flush immediately for WARNING logs and higher.
        period: 5

    console:
        class: logging.StreamHandler
        formatter: precise

loggers:
    synapse.storage.SQL:
        # beware: increasing this to DEBUG will make synapse log sensitive
        # information such as access tokens.
        level: INFO

root:
    level: INFO
    handlers: [console, buffer]

disable_existing_loggers: false
`))

// GenerateResources writes every worker-mode artifact the image build
// and the running container need: per-worker configuration and log
// configuration, the supervisor and nginx configuration, the postgres
// bootstrap script and the container entry point.
func GenerateResources(cfg *config.Config) error {
	instances, err := Instances(Roster)
	if err != nil {
		return err
	}

	workersDir := cfg.SynapseWorkersDir()
	if err := os.MkdirAll(workersDir, 0o755); err != nil {
		return fmt.Errorf("could not create worker configuration directory: %w", err)
	}
	for _, instance := range instances {
		log.Debug("generating worker configuration", "worker", instance.Name, "port", instance.Port)
		if err := renderTo(workerConfigTemplate, filepath.Join(workersDir, instance.Name+".yaml"), struct {
			Instance
			ReplicationPort int
		}{instance, config.ReplicationPort}); err != nil {
			return err
		}
		if err := renderTo(workerLogConfigTemplate, filepath.Join(workersDir, instance.Name+".log.config"), instance); err != nil {
			return err
		}
	}

	supervisorDir := filepath.Join(cfg.EtcDir(), "supervisor")
	if err := writeFile(filepath.Join(supervisorDir, "synapse.conf"), supervisordConf(instances)); err != nil {
		return err
	}
	nginxDir := filepath.Join(cfg.EtcDir(), "nginx")
	if err := writeFile(filepath.Join(nginxDir, "matrix-synapse.conf"), nginxConf(instances)); err != nil {
		return err
	}

	if err := writeSharedConfig(cfg, instances); err != nil {
		return err
	}

	confDir := filepath.Join(cfg.SynapseRoot(), "conf")
	if err := writeFile(filepath.Join(confDir, "postgres.sql"), postgresSQL); err != nil {
		return err
	}
	return writeFile(filepath.Join(cfg.SynapseRoot(), "workers_start.py"), entryPoint)
}

// writeSharedConfig assembles the initial shared worker configuration:
// every kind's shared fragment, the replication instance map and the
// event stream writers. The configuration patcher later merges modules
// and database settings into this document.
func writeSharedConfig(cfg *config.Config, instances []Instance) error {
	doc := map[string]any{
		"redis": map[string]any{"enabled": true},
	}
	instanceMap := map[string]any{}
	var eventWriters []any
	for _, instance := range instances {
		for key, value := range instance.Data.SharedExtraConf {
			doc[key] = value
		}
		if instance.Kind == EventPersister && slices.Contains(instance.Data.ListenerResources, "replication") {
			instanceMap[instance.Name] = map[string]any{
				"host": "localhost",
				"port": instance.Port,
			}
			eventWriters = append(eventWriters, instance.Name)
		}
	}
	if len(eventWriters) > 0 {
		doc["instance_map"] = instanceMap
		doc["stream_writers"] = map[string]any{"events": eventWriters}
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	path := cfg.WorkersSharedYAMLPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}

func renderTo(tmpl *template.Template, path string, data any) error {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return fmt.Errorf("could not render %s: %w", path, err)
	}
	return writeFile(path, sb.String())
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}

// supervisordConf lays out one supervised program per worker plus the
// main process. Redis and nginx are started by the entry point before
// supervisord takes over.
func supervisordConf(instances []Instance) string {
	var sb strings.Builder
	sb.WriteString(`[program:synapse_main]
command=/usr/local/bin/python -m synapse.app.homeserver --config-path=/data/homeserver.yaml --config-path=/conf/workers/shared.yaml
priority=10
autorestart=unexpected
exitcodes=0
stdout_logfile=/var/log/workers/main.out
stderr_logfile=/var/log/workers/main.err

`)
	for _, instance := range instances {
		fmt.Fprintf(&sb, `[program:synapse_%s]
command=/usr/local/bin/python -m %s --config-path=/data/homeserver.yaml --config-path=/conf/workers/shared.yaml --config-path=/conf/workers/%s.yaml
priority=20
autorestart=unexpected
exitcodes=0
stdout_logfile=/var/log/workers/%s.out
stderr_logfile=/var/log/workers/%s.err

`, instance.Name, instance.Data.App, instance.Name, instance.Name, instance.Name)
	}
	return sb.String()
}

// nginxConf routes each worker's endpoint patterns to its listener and
// everything else to the main process, listening on the guest port the
// single-process deployment would have used.
func nginxConf(instances []Instance) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "server {\n    listen %d;\n    listen [::]:%d;\n\n    server_name localhost;\n\n", config.GuestPort, config.GuestPort)
	for _, instance := range instances {
		for _, pattern := range instance.Data.EndpointPatterns {
			fmt.Fprintf(&sb, "    location ~* %s {\n        proxy_pass http://localhost:%d;\n        proxy_set_header X-Forwarded-For $remote_addr;\n        proxy_set_header X-Forwarded-Proto $scheme;\n        proxy_set_header Host $host;\n    }\n\n", pattern, instance.Port)
		}
	}
	fmt.Fprintf(&sb, "    location / {\n        proxy_pass http://localhost:%d;\n        proxy_set_header X-Forwarded-For $remote_addr;\n        proxy_set_header X-Forwarded-Proto $scheme;\n        proxy_set_header Host $host;\n    }\n}\n", config.WorkerMainHTTPPort)
	return sb.String()
}

// postgresSQL bootstraps the database the shared worker configuration
// points synapse at.
const postgresSQL = `CREATE USER synapse WITH PASSWORD 'password';
CREATE DATABASE synapse
    ENCODING 'UTF8'
    LC_COLLATE='C'
    LC_CTYPE='C'
    template=template0
    OWNER synapse;
`

// entryPoint replaces start.py in worker mode: `generate` produces
// homeserver.yaml exactly like the stock image, `start` brings up
// postgres, redis and nginx, then hands the process tree to
// supervisord.
const entryPoint = `#!/usr/local/bin/python
import os
import subprocess
import sys


def generate():
    subprocess.check_call(["/start.py", "generate"])


def start():
    subprocess.check_call(["sudo", "service", "postgresql", "start"])
    subprocess.check_call(
        ["sudo", "-u", "postgres", "psql", "-f", "/conf/postgres.sql"]
    )
    subprocess.check_call(["sudo", "service", "redis-server", "start"])
    subprocess.check_call(["sudo", "service", "nginx", "start"])
    os.execvp(
        "sudo",
        ["sudo", "/usr/bin/supervisord", "-n", "-c", "/etc/supervisor/supervisord.conf"],
    )


if __name__ == "__main__":
    if len(sys.argv) > 1 and sys.argv[1] == "generate":
        generate()
    else:
        start()
`
