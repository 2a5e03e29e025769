package hosts

import (
	"net/url"
	"strings"
)

// FormatFQN builds the fully qualified name of a host:
//
//	name + "@" + percent-encoded location + "-" + nodeID
//
// PathEscape keeps hyphens intact, so a location like "sub-network" round
// trips. Because both the location and the node id may contain hyphens, an
// FQN can never be decoded by splitting on the final "-"; resolution always
// recomputes candidate FQNs instead (see Aggregator.ByFQN).
func FormatFQN(name, location, nodeID string) string {
	return name + "@" + url.PathEscape(location) + "-" + nodeID
}

// NameFromFQN extracts the host name, the text before the first "@".
// Returns "" when the input is not an FQN.
func NameFromFQN(fqn string) string {
	i := strings.Index(fqn, "@")
	if i < 0 {
		return ""
	}
	return fqn[:i]
}
