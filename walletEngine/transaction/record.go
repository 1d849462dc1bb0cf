package transaction

import (
	"bytes"
	"encoding/json"
	"time"
)

// Issue is a finding attached during prepare. Warnings are informational;
// issues block signing.
type Issue struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// RecordError describes why a record failed.
type RecordError struct {
	Reason  string `json:"reason"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Record is one transaction through its lifecycle. Payload fields are
// namespace specific JSON owned by the adapter.
type Record struct {
	ID            string
	Namespace     string
	ChainRef      string
	Origin        string
	FromAccountID string // CAIP-10 account id
	Request       json.RawMessage
	Prepared      json.RawMessage
	Signed        json.RawMessage
	Status        Status
	Hash          string // empty until known
	Receipt       json.RawMessage
	Error         *RecordError
	Warnings      []Issue
	Issues        []Issue
	ReplacedBy    string
	UserRejected  bool
	Version       uint64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Request = cloneRaw(r.Request)
	out.Prepared = cloneRaw(r.Prepared)
	out.Signed = cloneRaw(r.Signed)
	out.Receipt = cloneRaw(r.Receipt)
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	out.Warnings = cloneIssues(r.Warnings)
	out.Issues = cloneIssues(r.Issues)
	return out
}

// Equal compares the fields observers care about.
func (r Record) Equal(o Record) bool {
	return r.ID == o.ID &&
		r.Status == o.Status &&
		r.Hash == o.Hash &&
		r.Version == o.Version &&
		bytes.Equal(r.Receipt, o.Receipt)
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneIssues(in []Issue) []Issue {
	if in == nil {
		return nil
	}
	out := make([]Issue, len(in))
	for i, is := range in {
		out[i] = is
		if is.Data != nil {
			out[i].Data = make(map[string]any, len(is.Data))
			for k, v := range is.Data {
				out[i].Data[k] = v
			}
		}
	}
	return out
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Namespace     string
	ChainRef      string
	Origin        string
	Statuses      []Status
	UpdatedBefore time.Time
	Limit         int
}
