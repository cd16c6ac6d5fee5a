// Package workers holds the five onboarding capabilities. Importing the package
// registers all of them in worker.Default.
package workers

import (
	"fmt"
	"hash/fnv"

	"github.com/DyNATgIT/ARK/worker"
)

// Capability names as registered.
const (
	Identity      = "identity"
	Legal         = "legal"
	CRM           = "crm"
	IT            = "it"
	Communication = "communication"
)

func init() {
	RegisterAll(worker.Default)
}

// RegisterAll installs every onboarding worker in reg.
func RegisterAll(reg *worker.Registry) {
	reg.Register(Identity, NewIdentityWorker)
	reg.Register(Legal, NewLegalWorker)
	reg.Register(CRM, NewCRMWorker)
	reg.Register(IT, NewITWorker)
	reg.Register(Communication, NewCommunicationWorker)
}

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

// stableHash gives mock providers deterministic identifiers.
func stableHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func stableID(prefix, s string) string {
	return fmt.Sprintf("%s_%08x", prefix, stableHash(s))
}
