package server

import (
	"context"
	"fmt"
	"net/http"

	"connectrpc.com/connect"

	"github.com/rxell/phantomuserland/snapshot"
	"github.com/rxell/phantomuserland/vm"
)

// InspectService implements the InspectionService Connect/gRPC handler.
type InspectService struct {
	worker      *VMWorker
	snapshotter *snapshot.Snapshotter
}

// NewInspectService creates an InspectService. snapshotter may be nil.
func NewInspectService(worker *VMWorker, snapshotter *snapshot.Snapshotter) *InspectService {
	return &InspectService{
		worker:      worker,
		snapshotter: snapshotter,
	}
}

func (s *InspectService) register(mux *http.ServeMux, opts ...connect.HandlerOption) {
	mux.Handle(StatusProcedure, connect.NewUnaryHandler(StatusProcedure, s.Status, opts...))
	mux.Handle(ListThreadsProcedure, connect.NewUnaryHandler(ListThreadsProcedure, s.ListThreads, opts...))
}

// Status reports the snapshot state, thread counts and heap usage.
func (s *InspectService) Status(
	ctx context.Context,
	req *connect.Request[StatusRequest],
) (*connect.Response[StatusResponse], error) {
	v := s.worker.VM()
	snap := v.Snap()
	stats := v.Heap().Stats()

	resp := &StatusResponse{
		State:      snap.State().String(),
		Generation: snap.Generation(),
		Running:    snap.Running(),
		Parked:     snap.Parked(),
		Threads:    len(v.Threads()),
		Objects:    stats.Objects,
		HeapBytes:  stats.Bytes,
		PagesUsed:  stats.PagesUsed,
		PagesTotal: stats.PagesTotal,
	}
	if s.snapshotter != nil {
		resp.Snapshots = s.snapshotter.Count()
		if last := s.snapshotter.Last(); last != nil {
			info := snapshotInfo(*last)
			resp.LastSnapshot = &info
		}
	}
	return connect.NewResponse(resp), nil
}

// ListThreads lists the VM's threads in ref order.
func (s *InspectService) ListThreads(
	ctx context.Context,
	req *connect.Request[ListThreadsRequest],
) (*connect.Response[ListThreadsResponse], error) {
	filter := req.Msg.State
	if filter != "" && !validRunState(filter) {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown thread state %q", filter))
	}

	resp := &ListThreadsResponse{Threads: []ThreadInfo{}}
	for _, t := range s.worker.VM().Threads() {
		state := t.State()
		if filter != "" && state.String() != filter {
			continue
		}
		info := ThreadInfo{
			TID:    t.TID,
			Ref:    uint32(t.Self()),
			State:  state.String(),
			Acks:   t.Acks(),
			IP:     t.LastIP(),
			Asleep: t.Asleep(),
		}
		if state == vm.ThreadExited && t.Err() != nil {
			info.Error = t.Err().Error()
		}
		resp.Threads = append(resp.Threads, info)
	}
	return connect.NewResponse(resp), nil
}

func validRunState(name string) bool {
	for s := vm.ThreadStarting; s <= vm.ThreadExited; s++ {
		if s.String() == name {
			return true
		}
	}
	return false
}
