package octoprint

import "strings"

// statePrefixes maps the host's human readable connection state to its
// state id. Order matters: longer prefixes first.
var statePrefixes = []struct {
	prefix string
	id     string
}{
	{"Offline after error", "CLOSED_WITH_ERROR"},
	{"Offline", "OFFLINE"},
	{"Opening serial", "OPEN_SERIAL"},
	{"Detecting serial", "DETECT_SERIAL"},
	{"Detecting baudrate", "DETECT_BAUDRATE"},
	{"Connecting", "CONNECTING"},
	{"Operational", "OPERATIONAL"},
	{"Starting", "STARTING"},
	{"Printing", "PRINTING"},
	{"Sending file", "PRINTING"},
	{"Pausing", "PAUSING"},
	{"Paused", "PAUSED"},
	{"Resuming", "RESUMING"},
	{"Cancelling", "CANCELLING"},
	{"Finishing", "FINISHING"},
	{"Transferring file", "TRANSFERING_FILE"},
	{"Closed", "CLOSED"},
	{"Error", "ERROR"},
	{"Unknown", "UNKNOWN"},
}

// StateID converts a connection state text to the host state id. Anything
// unrecognised is UNKNOWN.
func StateID(text string) string {
	for _, p := range statePrefixes {
		if strings.HasPrefix(text, p.prefix) {
			return p.id
		}
	}
	if text == "" {
		return "NONE"
	}
	return "UNKNOWN"
}

func closedOrError(id string) bool {
	switch id {
	case "OFFLINE", "CLOSED", "CLOSED_WITH_ERROR", "ERROR", "NONE", "UNKNOWN":
		return true
	}
	return false
}
