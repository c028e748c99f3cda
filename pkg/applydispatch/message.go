// Package applydispatch implements the Apply Dispatcher (spec.md §4.9): a
// durable queue standing between the OPDS importer's reconciliation step
// and the bibliographic/circulation persistence layer, routing
// apply_bibliographic/apply_circulation messages with the idempotence and
// last-write-wins guarantees spec.md §5 describes.
package applydispatch

import (
	"time"

	"github.com/opdshub/circulation-core/pkg/catalog"
	"github.com/opdshub/circulation-core/pkg/opds"
)

// Kind distinguishes the two apply message shapes (spec.md §4.9).
type Kind string

const (
	KindBibliographic Kind = "apply_bibliographic"
	KindCirculation   Kind = "apply_circulation"
)

// Envelope is one durably-queued apply message. Exactly one of
// Bibliographic or Circulation is set, matching Kind. DispatchedAt is the
// server-assigned timestamp spec.md §5 names as the tiebreaker for
// cross-task last-write-wins; UpdateNumber is a per-identifier monotonic
// counter carried for redelivery detection (spec.md §5 "Idempotence"),
// independent of the MARC Upload Session's own update_number in §4.2.
type Envelope struct {
	Kind          Kind                    `json:"kind"`
	CollectionID  string                  `json:"collection_id"`
	Identifier    catalog.Identifier      `json:"identifier"`
	Bibliographic *opds.BibliographicData `json:"bibliographic,omitempty"`
	Circulation   *opds.CirculationData   `json:"circulation,omitempty"`
	UpdateNumber  int64                   `json:"update_number"`
	DispatchedAt  time.Time               `json:"dispatched_at"`
}
