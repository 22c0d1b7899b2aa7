// Package message defines the wire-level data model shared by every NLDS
// stage: the transaction state enum, the per-file PathDetails record and the
// message envelope carried between stages over the fabric.
package message

import "fmt"

// State is the position of a sub-transaction in its workflow. The numeric
// values form the ratchet order used by the monitor: a stored state is only
// ever replaced by one with a higher value. Values are part of the persisted
// schema; do not renumber.
type State int

const (
	StateInitialising State = -1
	StateRouting      State = 0

	// put workflow
	StateSplitting       State = 1
	StateIndexing        State = 2
	StateCatalogPutting  State = 3
	StateTransferPutting State = 4

	// get workflow
	StateCatalogGetting  State = 10
	StateArchiveGetting  State = 11
	StateTransferGetting State = 12
	StateTransferInit    State = 13

	// archive-put workflow
	StateArchiveInit      State = 20
	StateArchivePutting   State = 21
	StateArchivePreparing State = 22

	// catalog manipulation
	StateCatalogDeleting        State = 30
	StateCatalogUpdating        State = 31
	StateCatalogArchiveUpdating State = 32
	StateCatalogRemoving        State = 33

	// terminal
	StateComplete             State = 100
	StateFailed               State = 101
	StateCompleteWithErrors   State = 102
	StateCompleteWithWarnings State = 103

	// sentinel used when searching for sub-records
	StateSearching State = 1000
)

var stateNames = map[State]string{
	StateInitialising:           "INITIALISING",
	StateRouting:                "ROUTING",
	StateSplitting:              "SPLITTING",
	StateIndexing:               "INDEXING",
	StateCatalogPutting:         "CATALOG_PUTTING",
	StateTransferPutting:        "TRANSFER_PUTTING",
	StateCatalogGetting:         "CATALOG_GETTING",
	StateArchiveGetting:         "ARCHIVE_GETTING",
	StateTransferGetting:        "TRANSFER_GETTING",
	StateTransferInit:           "TRANSFER_INIT",
	StateArchiveInit:            "ARCHIVE_INIT",
	StateArchivePutting:         "ARCHIVE_PUTTING",
	StateArchivePreparing:       "ARCHIVE_PREPARING",
	StateCatalogDeleting:        "CATALOG_DELETING",
	StateCatalogUpdating:        "CATALOG_UPDATING",
	StateCatalogArchiveUpdating: "CATALOG_ARCHIVE_UPDATING",
	StateCatalogRemoving:        "CATALOG_REMOVING",
	StateComplete:               "COMPLETE",
	StateFailed:                 "FAILED",
	StateCompleteWithErrors:     "COMPLETE_WITH_ERRORS",
	StateCompleteWithWarnings:   "COMPLETE_WITH_WARNINGS",
	StateSearching:              "SEARCHING",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Terminal reports whether a sub-transaction in this state is finished.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateCompleteWithErrors, StateCompleteWithWarnings:
		return true
	}
	return false
}

// Supersedes is the monitor ratchet: an update applies only when the
// incoming state outranks the stored one.
func (s State) Supersedes(stored State) bool {
	return s > stored
}
