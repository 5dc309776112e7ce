package server

import (
	"time"

	"github.com/rxell/phantomuserland/snapshot"
)

// Procedure names, in the same form generated Connect code uses.
const (
	InspectionServiceName = "phantom.v1.InspectionService"
	SnapshotServiceName   = "phantom.v1.SnapshotService"

	StatusProcedure        = "/" + InspectionServiceName + "/Status"
	ListThreadsProcedure   = "/" + InspectionServiceName + "/ListThreads"
	TakeSnapshotProcedure  = "/" + SnapshotServiceName + "/TakeSnapshot"
	ListSnapshotsProcedure = "/" + SnapshotServiceName + "/ListSnapshots"
	GetSnapshotProcedure   = "/" + SnapshotServiceName + "/GetSnapshot"
)

// ---------------------------------------------------------------------------
// InspectionService
// ---------------------------------------------------------------------------

type StatusRequest struct{}

// StatusResponse summarizes the VM, its heap and the snapshotter.
type StatusResponse struct {
	State        string        `cbor:"1,keyasint" json:"state"`
	Generation   uint64        `cbor:"2,keyasint" json:"generation"`
	Running      int           `cbor:"3,keyasint" json:"running"`
	Parked       int           `cbor:"4,keyasint" json:"parked"`
	Threads      int           `cbor:"5,keyasint" json:"threads"`
	Objects      int           `cbor:"6,keyasint" json:"objects"`
	HeapBytes    int           `cbor:"7,keyasint" json:"heapBytes"`
	PagesUsed    int           `cbor:"8,keyasint" json:"pagesUsed"`
	PagesTotal   int           `cbor:"9,keyasint" json:"pagesTotal"`
	Snapshots    uint64        `cbor:"10,keyasint" json:"snapshots"`
	LastSnapshot *SnapshotInfo `cbor:"11,keyasint,omitempty" json:"lastSnapshot,omitempty"`
}

// ListThreadsRequest optionally filters threads by run state name
// ("running", "blocked", ...).
type ListThreadsRequest struct {
	State string `cbor:"1,keyasint,omitempty" json:"state,omitempty"`
}

type ListThreadsResponse struct {
	Threads []ThreadInfo `cbor:"1,keyasint" json:"threads"`
}

type ThreadInfo struct {
	TID    int32  `cbor:"1,keyasint" json:"tid"`
	Ref    uint32 `cbor:"2,keyasint" json:"ref"`
	State  string `cbor:"3,keyasint" json:"state"`
	Acks   uint64 `cbor:"4,keyasint" json:"acks"`
	IP     uint32 `cbor:"5,keyasint" json:"ip"`
	Asleep bool   `cbor:"6,keyasint" json:"asleep"`
	Error  string `cbor:"7,keyasint,omitempty" json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// SnapshotService
// ---------------------------------------------------------------------------

type SnapshotInfo struct {
	ID         string    `cbor:"1,keyasint" json:"id"`
	Generation uint64    `cbor:"2,keyasint" json:"generation"`
	TakenAt    time.Time `cbor:"3,keyasint" json:"takenAt"`
	Objects    int       `cbor:"4,keyasint" json:"objects"`
	Threads    int       `cbor:"5,keyasint" json:"threads"`
	Bytes      int       `cbor:"6,keyasint" json:"bytes"`
}

func snapshotInfo(m snapshot.Meta) SnapshotInfo {
	return SnapshotInfo{
		ID:         m.ID,
		Generation: m.Generation,
		TakenAt:    m.TakenAt,
		Objects:    m.Objects,
		Threads:    m.Threads,
		Bytes:      m.Bytes,
	}
}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Snapshot SnapshotInfo `cbor:"1,keyasint" json:"snapshot"`
}

// ListSnapshotsRequest lists the newest Limit snapshots; 0 lists all.
type ListSnapshotsRequest struct {
	Limit int `cbor:"1,keyasint,omitempty" json:"limit,omitempty"`
}

type ListSnapshotsResponse struct {
	Snapshots []SnapshotInfo `cbor:"1,keyasint" json:"snapshots"`
}

type GetSnapshotRequest struct {
	ID string `cbor:"1,keyasint" json:"id"`
}

// GetSnapshotResponse describes a stored image: its roots and how many
// objects of each class it holds.
type GetSnapshotResponse struct {
	Snapshot SnapshotInfo   `cbor:"1,keyasint" json:"snapshot"`
	PageSize int            `cbor:"2,keyasint" json:"pageSize"`
	Roots    []uint32       `cbor:"3,keyasint" json:"roots"`
	Classes  map[string]int `cbor:"4,keyasint" json:"classes"`
}
