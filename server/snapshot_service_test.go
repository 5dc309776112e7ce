package server

import (
	"testing"

	"connectrpc.com/connect"

	"github.com/rxell/phantomuserland/vm"
)

func takeSnapshot(t *testing.T, svc *SnapshotService) SnapshotInfo {
	t.Helper()
	resp, err := svc.TakeSnapshot(bg(), connectReq(&TakeSnapshotRequest{}))
	if err != nil {
		t.Fatalf("TakeSnapshot returned error: %v", err)
	}
	return resp.Msg.Snapshot
}

// ---------------------------------------------------------------------------
// TakeSnapshot / ListSnapshots / GetSnapshot: happy paths
// ---------------------------------------------------------------------------

func TestTakeSnapshot(t *testing.T) {
	env := newTestEnv(t, 2, true)
	svc := env.snapshots()

	first := takeSnapshot(t, svc)
	second := takeSnapshot(t, svc)

	if first.ID == "" || first.ID == second.ID {
		t.Errorf("ids: %q, %q", first.ID, second.ID)
	}
	if second.Generation <= first.Generation {
		t.Errorf("generation did not advance: %d then %d", first.Generation, second.Generation)
	}
	if second.Threads != 2 {
		t.Errorf("Threads = %d, want 2", second.Threads)
	}
	if second.Objects == 0 || second.Bytes == 0 {
		t.Errorf("empty snapshot: %+v", second)
	}

	status, err := env.inspect().Status(bg(), connectReq(&StatusRequest{}))
	if err != nil {
		t.Fatal(err)
	}
	if status.Msg.Snapshots != 2 {
		t.Errorf("Snapshots = %d, want 2", status.Msg.Snapshots)
	}
	if status.Msg.LastSnapshot == nil || status.Msg.LastSnapshot.ID != second.ID {
		t.Errorf("LastSnapshot = %+v, want %s", status.Msg.LastSnapshot, second.ID)
	}
	if status.Msg.State != "running" {
		t.Errorf("VM did not resume: %s", status.Msg.State)
	}
}

func TestListSnapshots(t *testing.T) {
	env := newTestEnv(t, 1, true)
	svc := env.snapshots()

	var taken []SnapshotInfo
	for i := 0; i < 3; i++ {
		taken = append(taken, takeSnapshot(t, svc))
	}

	resp, err := svc.ListSnapshots(bg(), connectReq(&ListSnapshotsRequest{}))
	if err != nil {
		t.Fatalf("ListSnapshots returned error: %v", err)
	}
	got := resp.Msg.Snapshots
	if len(got) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(got))
	}
	for i, s := range got {
		want := taken[len(taken)-1-i]
		if s.ID != want.ID {
			t.Errorf("snapshot %d = %s, want %s (newest first)", i, s.ID, want.ID)
		}
		if !s.TakenAt.Equal(want.TakenAt) {
			t.Errorf("snapshot %d taken at %v, want %v", i, s.TakenAt, want.TakenAt)
		}
	}

	resp, err = svc.ListSnapshots(bg(), connectReq(&ListSnapshotsRequest{Limit: 1}))
	if err != nil {
		t.Fatalf("ListSnapshots returned error: %v", err)
	}
	if len(resp.Msg.Snapshots) != 1 || resp.Msg.Snapshots[0].ID != taken[2].ID {
		t.Errorf("limit 1 = %+v", resp.Msg.Snapshots)
	}
}

func TestGetSnapshot(t *testing.T) {
	env := newTestEnv(t, 2, true)
	svc := env.snapshots()
	taken := takeSnapshot(t, svc)

	resp, err := svc.GetSnapshot(bg(), connectReq(&GetSnapshotRequest{ID: taken.ID}))
	if err != nil {
		t.Fatalf("GetSnapshot returned error: %v", err)
	}
	msg := resp.Msg
	if msg.Snapshot.ID != taken.ID || msg.Snapshot.Generation != taken.Generation {
		t.Errorf("Snapshot = %+v, want %+v", msg.Snapshot, taken)
	}
	if msg.PageSize != env.VM.Options().PageSize {
		t.Errorf("PageSize = %d", msg.PageSize)
	}
	if len(msg.Roots) != 1 || msg.Roots[0] != uint32(env.Workload.This[0]) {
		t.Errorf("Roots = %v, want [%d]", msg.Roots, env.Workload.This[0])
	}
	if n := msg.Classes[vm.ClassOf(vm.ClassThread).Name]; n != 2 {
		t.Errorf("%d threads in image, want 2", n)
	}
	if n := msg.Classes[vm.ClassOf(vm.ClassMutex).Name]; n != 1 {
		t.Errorf("%d mutexes in image, want 1", n)
	}
	total := 0
	for _, n := range msg.Classes {
		total += n
	}
	if total != taken.Objects {
		t.Errorf("class counts sum to %d, snapshot has %d objects", total, taken.Objects)
	}
}

// ---------------------------------------------------------------------------
// Error paths
// ---------------------------------------------------------------------------

func TestGetSnapshot_NotFound(t *testing.T) {
	env := newTestEnv(t, 0, true)
	svc := env.snapshots()

	_, err := svc.GetSnapshot(bg(), connectReq(&GetSnapshotRequest{ID: "missing"}))
	wantCode(t, err, connect.CodeNotFound)

	_, err = svc.GetSnapshot(bg(), connectReq(&GetSnapshotRequest{}))
	wantCode(t, err, connect.CodeInvalidArgument)
}

func TestListSnapshots_NegativeLimit(t *testing.T) {
	env := newTestEnv(t, 0, true)

	_, err := env.snapshots().ListSnapshots(bg(), connectReq(&ListSnapshotsRequest{Limit: -1}))
	wantCode(t, err, connect.CodeInvalidArgument)
}

func TestSnapshots_NotConfigured(t *testing.T) {
	env := newTestEnv(t, 1, false)
	svc := env.snapshots()

	_, err := svc.TakeSnapshot(bg(), connectReq(&TakeSnapshotRequest{}))
	wantCode(t, err, connect.CodeFailedPrecondition)
	_, err = svc.ListSnapshots(bg(), connectReq(&ListSnapshotsRequest{}))
	wantCode(t, err, connect.CodeFailedPrecondition)
	_, err = svc.GetSnapshot(bg(), connectReq(&GetSnapshotRequest{ID: "x"}))
	wantCode(t, err, connect.CodeFailedPrecondition)
}

func TestTakeSnapshot_AfterStop(t *testing.T) {
	env := newTestEnv(t, 2, true)
	env.VM.Stop()

	_, err := env.snapshots().TakeSnapshot(bg(), connectReq(&TakeSnapshotRequest{}))
	wantCode(t, err, connect.CodeUnavailable)
}

func TestTakeSnapshot_WorkerStopped(t *testing.T) {
	env := newTestEnv(t, 1, true)
	env.Worker.Stop()

	_, err := env.snapshots().TakeSnapshot(bg(), connectReq(&TakeSnapshotRequest{}))
	wantCode(t, err, connect.CodeUnavailable)
}
