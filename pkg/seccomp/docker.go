package seccomp

import "encoding/json"

// DockerProfileJSON renders the agent profile in the shape
// `docker run --security-opt seccomp=<file>` expects. The OCI runtime-spec
// field names and SCMP_* constants match Docker's profile format, so the
// spec marshals directly.
func DockerProfileJSON() ([]byte, error) {
	return json.Marshal(AgentProfile())
}
