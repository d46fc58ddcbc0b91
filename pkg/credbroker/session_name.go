package credbroker

import "github.com/segmentio/ksuid"

// sessionName returns a unique role session name so that activity in the
// spoke account can be audited per run. AssumeRole allows at most 64 characters.
func sessionName(prefix string) string {
	name := prefix + "-" + ksuid.New().String()
	if len(name) > 64 {
		return name[:64]
	}
	return name
}
