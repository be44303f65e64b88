package engine

import (
	"context"

	"github.com/agentworkforce/relaysync/internal/bso"
)

// Query filters a collection read. Zero values mean "not supplied".
type Query struct {
	IfModifiedSince bso.Timestamp
	Newer           bso.Timestamp
	IDs             []string
	Sort            string
	Limit           int
}

type CollectionResult struct {
	BSOs      []bso.BSO
	Timestamp bso.Timestamp
}

type BatchResult struct {
	Modified bso.Timestamp     `json:"modified"`
	Success  []string          `json:"success"`
	Failed   map[string]string `json:"failed"`
}

// Remote is one user's view of a collection store.
type Remote interface {
	CollectionInfo(ctx context.Context) (map[string]bso.Timestamp, error)
	GetCollection(ctx context.Context, coll string, q Query) (CollectionResult, error)
	GetBSO(ctx context.Context, coll, id string) (bso.BSO, error)
	PutBSO(ctx context.Context, coll string, b bso.BSO, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error)
	PostBSOs(ctx context.Context, coll string, bsos []bso.BSO, ifUnmodifiedSince bso.Timestamp) (BatchResult, error)
	DeleteBSO(ctx context.Context, coll, id string, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error)
	DeleteBSOs(ctx context.Context, coll string, ids []string, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error)
	DeleteCollection(ctx context.Context, coll string) error
	DeleteAll(ctx context.Context) error
}

// Store adapts a local domain store to the engine.
type Store interface {
	// DecodeRecord validates cleartext and builds the domain record.
	DecodeRecord(id string, cleartext []byte) (Record, error)
	ItemExists(ctx context.Context, id string) (bool, error)
	// CreateRecord builds the outgoing record for id, or a Tombstone when
	// the item no longer exists.
	CreateRecord(ctx context.Context, id string) (Record, error)
	// FindDupe returns the id of a local item with the same identity as
	// rec, or "".
	FindDupe(ctx context.Context, rec Record) (string, error)
	ApplyIncoming(ctx context.Context, rec Record) Result
	// ApplyIncomingBatch returns the ids that failed to apply. The error is
	// reserved for store-level failures.
	ApplyIncomingBatch(ctx context.Context, recs []Record) ([]string, error)
	ChangeItemID(ctx context.Context, oldID, newID string) error
	GetAllIDs(ctx context.Context) ([]string, error)
	Wipe(ctx context.Context) error
}

// Tracker is the change tracker feeding an engine.
type Tracker interface {
	ChangedIDs() map[string]float64
	ClearChangedIDs()
	AddChangedID(id string, when float64) bool
	RemoveChangedID(id string) bool
	ResetScore()
	Score() int
	IgnoreAll(fn func() error) error
}

// Crypto encrypts cleartext record JSON into BSO payloads and back.
type Crypto interface {
	Encrypt(cleartext []byte) (string, error)
	Decrypt(payload string) ([]byte, error)
}
