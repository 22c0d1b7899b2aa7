package message

import (
	"encoding/json"
	"fmt"
)

// Details is the correlation block of the envelope. It is created by the API
// layer and preserved verbatim by every stage; it is how cross-process
// correlation survives the whole workflow.
type Details struct {
	TransactionID string `json:"transaction_id"`
	SubID         string `json:"sub_id,omitempty"`
	User          string `json:"user"`
	Group         string `json:"group"`
	// GroupAll widens get/del resolution from the caller's own files to the
	// whole group's.
	GroupAll  bool   `json:"groupall,omitempty"`
	Target    string `json:"target,omitempty"`
	Tenancy   string `json:"tenancy,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	TapeURL   string `json:"tape_url,omitempty"`
	APIAction string `json:"api_action"`
	JobLabel  string `json:"job_label,omitempty"`
	State     State  `json:"state"`
	// Retry marks a delayed redelivery so consumers can distinguish
	// back-off attempts from first delivery.
	Retry bool `json:"retry,omitempty"`
	// Warnings accumulate non-fatal conditions for the monitor to record
	// against the transaction.
	Warnings []string `json:"warnings,omitempty"`
}

// Meta is user-supplied metadata addressing holdings: preserved verbatim
// across stages.
type Meta struct {
	Label     string            `json:"label,omitempty"`
	HoldingID uint              `json:"holding_id,omitempty"`
	Tags      map[string]string `json:"tag,omitempty"`
	DelTags   map[string]string `json:"del_tag,omitempty"`
	// NewLabel/NewTags carry a catalog-meta amendment.
	NewLabel string            `json:"new_label,omitempty"`
	NewTags  map[string]string `json:"new_tag,omitempty"`
	// Stat query addressing: which transaction, sub-transaction, action or
	// rollup state the caller asks about. Distinct from Details, which
	// identifies the request itself.
	TransactionID string `json:"transaction_id,omitempty"`
	SubID         string `json:"sub_id,omitempty"`
	APIAction     string `json:"api_action,omitempty"`
	State         *State `json:"state,omitempty"`
}

// Data is the working payload: mutated by stages as the filelist advances.
type Data struct {
	FileList []PathDetails `json:"filelist,omitempty"`
	// RetrievalList holds files already resolvable from the object store
	// while the rest of the filelist waits on a tape recall; the router
	// merges the two once archive-get completes.
	RetrievalList []PathDetails `json:"retrieval_filelist,omitempty"`
	// PrepareID is the tape-issued handle polled by archive-get
	// prepare-check.
	PrepareID string `json:"prepare_id,omitempty"`
	// Tarfiles lists the aggregates a prepare covers.
	Tarfiles []string `json:"tarfiles,omitempty"`
	// AggregationID scopes an archive-get start message to one aggregate.
	AggregationID uint `json:"aggregation_id,omitempty"`
	// Checksum of a completed aggregate, with its algorithm.
	Checksum  string `json:"checksum,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	Tarname   string `json:"tarname,omitempty"`
}

// Message is the envelope serialised between stages. Details and Meta are
// carried verbatim; Data is rewritten by each stage.
type Message struct {
	Details Details `json:"details"`
	Meta    Meta    `json:"meta"`
	Data    Data    `json:"data"`
}

// Marshal encodes the envelope as JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes an envelope, rejecting bodies without a transaction id
// since nothing downstream can correlate them.
func Unmarshal(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("malformed message envelope: %w", err)
	}
	if m.Details.TransactionID == "" {
		return nil, fmt.Errorf("malformed message envelope: missing transaction_id")
	}
	return &m, nil
}

// Copy returns a deep-enough copy for re-publication: Details and Meta are
// value-copied, Data slices are cloned so stages can partition lists without
// aliasing.
func (m *Message) Copy() *Message {
	out := &Message{Details: m.Details, Meta: m.Meta, Data: m.Data}
	out.Data.FileList = append([]PathDetails(nil), m.Data.FileList...)
	out.Data.RetrievalList = append([]PathDetails(nil), m.Data.RetrievalList...)
	out.Data.Tarfiles = append([]string(nil), m.Data.Tarfiles...)
	if m.Meta.Tags != nil {
		out.Meta.Tags = make(map[string]string, len(m.Meta.Tags))
		for k, v := range m.Meta.Tags {
			out.Meta.Tags[k] = v
		}
	}
	return out
}
