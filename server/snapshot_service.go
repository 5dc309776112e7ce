package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"

	"github.com/rxell/phantomuserland/snapshot"
	"github.com/rxell/phantomuserland/vm"
)

// SnapshotService implements the SnapshotService Connect/gRPC handler.
type SnapshotService struct {
	worker      *VMWorker
	snapshotter *snapshot.Snapshotter
}

// NewSnapshotService creates a SnapshotService. Without a snapshotter every
// call fails with FailedPrecondition.
func NewSnapshotService(worker *VMWorker, snapshotter *snapshot.Snapshotter) *SnapshotService {
	return &SnapshotService{
		worker:      worker,
		snapshotter: snapshotter,
	}
}

func (s *SnapshotService) register(mux *http.ServeMux, opts ...connect.HandlerOption) {
	mux.Handle(TakeSnapshotProcedure, connect.NewUnaryHandler(TakeSnapshotProcedure, s.TakeSnapshot, opts...))
	mux.Handle(ListSnapshotsProcedure, connect.NewUnaryHandler(ListSnapshotsProcedure, s.ListSnapshots, opts...))
	mux.Handle(GetSnapshotProcedure, connect.NewUnaryHandler(GetSnapshotProcedure, s.GetSnapshot, opts...))
}

var errNoSnapshotter = errors.New("snapshots are not configured")

// TakeSnapshot takes a snapshot now and returns its catalog entry.
func (s *SnapshotService) TakeSnapshot(
	ctx context.Context,
	req *connect.Request[TakeSnapshotRequest],
) (*connect.Response[TakeSnapshotResponse], error) {
	if s.snapshotter == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errNoSnapshotter)
	}

	result, err := s.worker.Do(ctx, func(ctx context.Context, _ *vm.VM) (any, error) {
		return s.snapshotter.Take(ctx)
	})
	if err != nil {
		return nil, snapshotError(err)
	}
	meta := result.(snapshot.Meta)
	return connect.NewResponse(&TakeSnapshotResponse{Snapshot: snapshotInfo(meta)}), nil
}

// ListSnapshots lists the catalog, newest first.
func (s *SnapshotService) ListSnapshots(
	ctx context.Context,
	req *connect.Request[ListSnapshotsRequest],
) (*connect.Response[ListSnapshotsResponse], error) {
	if s.snapshotter == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errNoSnapshotter)
	}
	if req.Msg.Limit < 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("negative limit %d", req.Msg.Limit))
	}

	metas, err := s.snapshotter.Store().List(ctx, req.Msg.Limit)
	if err != nil {
		return nil, snapshotError(err)
	}
	resp := &ListSnapshotsResponse{Snapshots: make([]SnapshotInfo, 0, len(metas))}
	for _, m := range metas {
		resp.Snapshots = append(resp.Snapshots, snapshotInfo(m))
	}
	return connect.NewResponse(resp), nil
}

// GetSnapshot loads a stored image and summarizes its contents.
func (s *SnapshotService) GetSnapshot(
	ctx context.Context,
	req *connect.Request[GetSnapshotRequest],
) (*connect.Response[GetSnapshotResponse], error) {
	if s.snapshotter == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errNoSnapshotter)
	}
	if req.Msg.ID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("id is required"))
	}

	meta, img, err := s.snapshotter.Store().Load(ctx, req.Msg.ID)
	if err != nil {
		return nil, snapshotError(err)
	}

	resp := &GetSnapshotResponse{
		Snapshot: snapshotInfo(meta),
		PageSize: img.PageSize,
		Roots:    make([]uint32, 0, len(img.Roots)),
		Classes:  make(map[string]int),
	}
	for _, r := range img.Roots {
		resp.Roots = append(resp.Roots, uint32(r))
	}
	for _, rec := range img.Objects {
		name := fmt.Sprintf("class(%d)", rec.Class)
		if c, ok := vm.LookupClass(rec.Class); ok {
			name = c.Name
		}
		resp.Classes[name]++
	}
	return connect.NewResponse(resp), nil
}

func snapshotError(err error) error {
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, snapshot.ErrBadImage):
		return connect.NewError(connect.CodeDataLoss, err)
	case errors.Is(err, vm.ErrStopping), errors.Is(err, ErrWorkerStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		log.Errorf("snapshot request failed: %s", err.Error())
		return connect.NewError(connect.CodeInternal, err)
	}
}
