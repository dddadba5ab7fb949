package reconciler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	eventdomain "github.com/finchbill/entitled/internal/event/domain"
)

// eventIDBucket quantizes the anchor timestamp in synthetic event ids. A
// remote status whose as_of moves between sweeps still hashes to the same
// id inside one bucket, so repeated observations of an unchanged remote
// state collapse on the idempotency ledger.
const eventIDBucket = time.Hour

// syntheticEventID derives a deterministic event id for a sweep-generated
// event from the subscription, the observed state and the bucketed anchor.
func syntheticEventID(provider, subscriptionRef string, kind eventdomain.Kind, anchor time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf(
		"%s|%s|%s|%d",
		provider,
		subscriptionRef,
		kind,
		anchor.UTC().Truncate(eventIDBucket).Unix(),
	)))
	return "recon_" + hex.EncodeToString(sum[:16])
}
