package server

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"connectrpc.com/connect"

	"github.com/rxell/phantomuserland/snapshot"
	"github.com/rxell/phantomuserland/vm"
	"github.com/rxell/phantomuserland/workload"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Each test gets its own VM running a counter workload, so tests that stop
// the VM or take snapshots do not disturb each other.
// ---------------------------------------------------------------------------

// testEnv bundles a VM, its workload and the server's collaborators.
type testEnv struct {
	VM          *vm.VM
	Workload    *workload.Instance
	Snapshotter *snapshot.Snapshotter
	Worker      *VMWorker
}

// newTestEnv starts a VM with threads counter threads looping forever. With
// snapshots set, a Snapshotter writes into a sqlite catalog in a temp dir.
func newTestEnv(t *testing.T, threads int, snapshots bool) *testEnv {
	t.Helper()
	opts := vm.DefaultOptions()
	opts.Pages = 1024
	opts.Tick = 0
	v := vm.New(opts)

	env := &testEnv{VM: v, Worker: NewVMWorker(v)}
	if snapshots {
		store, err := snapshot.OpenStore("sqlite", filepath.Join(t.TempDir(), "snapshots.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { store.Close() })
		env.Snapshotter = snapshot.NewSnapshotter(v, store, snapshot.Options{Collect: true})
	}
	if threads > 0 {
		inst, err := workload.Start(v, workload.NewMachine(), workload.Counter, threads, 0)
		if err != nil {
			t.Fatal(err)
		}
		env.Workload = inst
	}

	t.Cleanup(func() {
		env.Worker.Stop()
		v.Stop()
	})
	return env
}

func (e *testEnv) inspect() *InspectService {
	return NewInspectService(e.Worker, e.Snapshotter)
}

func (e *testEnv) snapshots() *SnapshotService {
	return NewSnapshotService(e.Worker, e.Snapshotter)
}

// ---------------------------------------------------------------------------
// Request builder helpers
// ---------------------------------------------------------------------------

func connectReq[T any](msg *T) *connect.Request[T] {
	return connect.NewRequest(msg)
}

func bg() context.Context {
	return context.Background()
}

func wantCode(t *testing.T, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", code)
	}
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *connect.Error, got %T: %v", err, err)
	}
	if cerr.Code() != code {
		t.Errorf("code = %v, want %v (%v)", cerr.Code(), code, err)
	}
}
