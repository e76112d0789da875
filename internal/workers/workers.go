// Package workers describes the multi-process synapse topology: which
// worker kinds exist, which app implements each, which endpoints they
// own, and how their configuration files are generated.
package workers

import (
	"fmt"
	"strings"
)

// Roster is the worker set launched in worker mode, as copied from
// Complement. It has two instances of event_persister in order to
// launch two event persisters.
const Roster = "event_persister, event_persister, background_worker, frontend_proxy, event_creator, user_dir, media_repository, federation_inbound, federation_reader, federation_sender, synchrotron, appservice, pusher"

// Kind names one worker type.
type Kind string

const (
	Pusher            Kind = "pusher"
	UserDir           Kind = "user_dir"
	MediaRepository   Kind = "media_repository"
	AppService        Kind = "appservice"
	FederationSender  Kind = "federation_sender"
	FederationReader  Kind = "federation_reader"
	FederationInbound Kind = "federation_inbound"
	Synchrotron       Kind = "synchrotron"
	EventPersister    Kind = "event_persister"
	BackgroundWorker  Kind = "background_worker"
	EventCreator      Kind = "event_creator"
	FrontendProxy     Kind = "frontend_proxy"
)

// startWorkerPort is the first port assigned to worker listeners;
// subsequent workers count up from here.
const startWorkerPort = 18009

// Data describes one worker kind. Adapted from synapse's
// configure_workers_and_start.py.
type Data struct {
	// App is the python application implementing this worker.
	App string
	// ListenerResources are the resource names served by the worker's
	// HTTP listener, if any.
	ListenerResources []string
	// EndpointPatterns are the URL patterns the reverse proxy routes to
	// this worker.
	EndpointPatterns []string
	// SharedExtraConf is merged into the shared configuration document
	// when this kind is deployed.
	SharedExtraConf map[string]any
	// WorkerExtraConf is appended verbatim to the worker's own
	// configuration file.
	WorkerExtraConf string
}

// Describe returns the table entry for a worker kind.
func Describe(kind Kind, mainHTTPURI string) (Data, error) {
	switch kind {
	case Pusher:
		return Data{
			App:             "synapse.app.pusher",
			SharedExtraConf: map[string]any{"start_pushers": false},
		}, nil
	case UserDir:
		return Data{
			App:               "synapse.app.user_dir",
			ListenerResources: []string{"client"},
			EndpointPatterns: []string{
				"^/_matrix/client/(api/v1|r0|v3|unstable)/user_directory/search$",
			},
			SharedExtraConf: map[string]any{"update_user_directory": false},
		}, nil
	case MediaRepository:
		return Data{
			App:               "synapse.app.media_repository",
			ListenerResources: []string{"media"},
			EndpointPatterns: []string{
				"^/_matrix/media/",
				"^/_synapse/admin/v1/purge_media_cache$",
				"^/_synapse/admin/v1/room/.*/media.*$",
				"^/_synapse/admin/v1/user/.*/media.*$",
				"^/_synapse/admin/v1/media/.*$",
				"^/_synapse/admin/v1/quarantine_media/.*$",
			},
			SharedExtraConf: map[string]any{"enable_media_repo": false},
			WorkerExtraConf: "enable_media_repo: true",
		}, nil
	case AppService:
		return Data{
			App:             "synapse.app.appservice",
			SharedExtraConf: map[string]any{"notify_appservices": false},
		}, nil
	case FederationSender:
		return Data{
			App:             "synapse.app.federation_sender",
			SharedExtraConf: map[string]any{"send_federation": false},
		}, nil
	case FederationReader:
		return Data{
			App:               "synapse.app.generic_worker",
			ListenerResources: []string{"federation"},
			EndpointPatterns: []string{
				"^/_matrix/federation/(v1|v2)/event/",
				"^/_matrix/federation/(v1|v2)/state/",
				"^/_matrix/federation/(v1|v2)/state_ids/",
				"^/_matrix/federation/(v1|v2)/backfill/",
				"^/_matrix/federation/(v1|v2)/get_missing_events/",
				"^/_matrix/federation/(v1|v2)/publicRooms",
				"^/_matrix/federation/(v1|v2)/query/",
				"^/_matrix/federation/(v1|v2)/make_join/",
				"^/_matrix/federation/(v1|v2)/make_leave/",
				"^/_matrix/federation/(v1|v2)/send_join/",
				"^/_matrix/federation/(v1|v2)/send_leave/",
				"^/_matrix/federation/(v1|v2)/invite/",
				"^/_matrix/federation/(v1|v2)/query_auth/",
				"^/_matrix/federation/(v1|v2)/event_auth/",
				"^/_matrix/federation/(v1|v2)/exchange_third_party_invite/",
				"^/_matrix/federation/(v1|v2)/user/devices/",
				"^/_matrix/federation/(v1|v2)/get_groups_publicised$",
				"^/_matrix/key/v2/query",
			},
		}, nil
	case FederationInbound:
		return Data{
			App:               "synapse.app.generic_worker",
			ListenerResources: []string{"federation"},
			EndpointPatterns:  []string{"/_matrix/federation/(v1|v2)/send/"},
		}, nil
	case Synchrotron:
		return Data{
			App:               "synapse.app.generic_worker",
			ListenerResources: []string{"client"},
			EndpointPatterns: []string{
				"^/_matrix/client/(v2_alpha|r0|v3)/sync$",
				"^/_matrix/client/(api/v1|v2_alpha|r0|v3)/events$",
				"^/_matrix/client/(api/v1|r0|v3)/initialSync$",
				"^/_matrix/client/(api/v1|r0|v3)/rooms/[^/]+/initialSync$",
			},
		}, nil
	case EventPersister:
		return Data{
			App:               "synapse.app.generic_worker",
			ListenerResources: []string{"replication"},
		}, nil
	case BackgroundWorker:
		return Data{
			App: "synapse.app.generic_worker",
			// This worker cannot be sharded, so there is only ever one
			// and it is named background_worker1.
			SharedExtraConf: map[string]any{"run_background_tasks_on": "background_worker1"},
		}, nil
	case EventCreator:
		return Data{
			App:               "synapse.app.generic_worker",
			ListenerResources: []string{"client"},
			EndpointPatterns: []string{
				"^/_matrix/client/(api/v1|r0|v3|unstable)/rooms/.*/redact",
				"^/_matrix/client/(api/v1|r0|v3|unstable)/rooms/.*/send",
				"^/_matrix/client/(api/v1|r0|v3|unstable)/rooms/.*/(join|invite|leave|ban|unban|kick)$",
				"^/_matrix/client/(api/v1|r0|v3|unstable)/join/",
				"^/_matrix/client/(api/v1|r0|v3|unstable)/profile/",
			},
		}, nil
	case FrontendProxy:
		return Data{
			App:               "synapse.app.frontend_proxy",
			ListenerResources: []string{"client", "replication"},
			EndpointPatterns: []string{
				"^/_matrix/client/(api/v1|r0|v3|unstable)/keys/upload",
			},
			WorkerExtraConf: "worker_main_http_uri: " + mainHTTPURI,
		}, nil
	default:
		return Data{}, fmt.Errorf("unknown worker kind %q", kind)
	}
}

// ParseRoster splits a roster string into its worker kinds, validating
// each against the table.
func ParseRoster(roster string) ([]Kind, error) {
	var kinds []Kind
	for _, field := range strings.Split(roster, ",") {
		name := strings.TrimSpace(field)
		if name == "" {
			continue
		}
		kind := Kind(name)
		if _, err := Describe(kind, ""); err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
