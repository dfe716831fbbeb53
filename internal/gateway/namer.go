package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/groupvault/groupvault/internal/blob"
)

// maxNameProbes bounds the collision probe loop. Hitting it means the
// prefix holds that many same-named files, which indicates abuse rather
// than normal use.
const maxNameProbes = 1000

// Namer resolves filename collisions within a key prefix by probing the
// backend and suffixing " [n]" before the extension.
//
// This is best-effort de-duplication, not a uniqueness guarantee: two
// concurrent requests for the same name can both pass their probe and
// the later PUT wins. Accepted for this domain (human-uploaded files,
// low contention) in exchange for avoiding a locking protocol.
type Namer struct {
	backend blob.Client
}

// NewNamer creates a Namer over a backend.
func NewNamer(backend blob.Client) *Namer {
	return &Namer{backend: backend}
}

// splitBaseExt splits "file.pdf" into ("file", ".pdf"). Dotfiles and
// trailing dots are treated as extensionless.
func splitBaseExt(name string) (base, ext string) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return name, ""
	}
	return name[:i], name[i:]
}

// UniqueName returns desiredName if no object exists at keyPrefix+name,
// otherwise the first "name [n].ext" candidate whose probe comes back
// absent. keyPrefix must already be slash-terminated and contained.
func (n *Namer) UniqueName(ctx context.Context, keyPrefix, desiredName string) (string, error) {
	base, ext := splitBaseExt(desiredName)

	candidate := desiredName
	for i := 1; ; i++ {
		if m := metricsInstance; m != nil {
			m.NameProbes.Inc()
		}
		exists, err := n.backend.Exists(ctx, keyPrefix+candidate)
		if err != nil {
			return "", classify(err)
		}
		if !exists {
			return candidate, nil
		}
		if i >= maxNameProbes {
			return "", fmt.Errorf("no unique name for %q after %d probes", desiredName, maxNameProbes)
		}
		candidate = fmt.Sprintf("%s [%d]%s", base, i, ext)
	}
}
