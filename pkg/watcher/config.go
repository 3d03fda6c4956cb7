package watcher

import (
	"fmt"
	"os"
)

// ClientName identifies this watcher to the ActivityWatch server.
const ClientName = "aw-watcher-input"

// EventType is the ActivityWatch event type reported by this watcher.
const EventType = "os.hid.input"

// Config wires the watcher to its data directory, its watched config file
// and the ActivityWatch server.
type Config struct {
	DataDir    string
	ConfigFile string

	Host    string
	Port    int
	Testing bool

	// PollTime overrides the config file's polling interval (seconds) when
	// positive.
	PollTime int
}

// BucketID derives the server-side bucket name from the hostname. Testing
// mode uses a separate bucket so test data never mixes with real data.
func BucketID(hostname string, testing bool) string {
	if testing {
		return fmt.Sprintf("%s-testing_%s", ClientName, hostname)
	}
	return fmt.Sprintf("%s_%s", ClientName, hostname)
}

// Hostname returns the local hostname, or a placeholder when it cannot be
// resolved.
func Hostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return hostname
}
