package engine

import "encoding/json"

// Record is the cleartext form of one synced item. Implementations are
// marshaled to JSON before encryption.
type Record interface {
	RecordID() string
	IsDeleted() bool
	// SortIndex and TTL are copied onto the outgoing BSO; nil omits them.
	SortIndex() *int
	TTL() *int
}

// Tombstone is the record of a deleted item.
type Tombstone struct {
	ID string
}

func (t Tombstone) RecordID() string { return t.ID }
func (Tombstone) IsDeleted() bool    { return true }
func (Tombstone) SortIndex() *int    { return nil }
func (Tombstone) TTL() *int          { return nil }

func (t Tombstone) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}{t.ID, true})
}

type Status int

const (
	Applied Status = iota
	Skipped
	Failed
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Result is the outcome of applying one incoming record.
type Result struct {
	Status Status
	Reason string
	Err    error
}

func AppliedResult() Result { return Result{Status: Applied} }

func SkippedResult(reason string) Result { return Result{Status: Skipped, Reason: reason} }

func FailedResult(err error) Result {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return Result{Status: Failed, Reason: reason, Err: err}
}
