package server

import (
	"context"

	"connectrpc.com/connect"
)

// Client calls a PhantomServer over Connect. It speaks CBOR unless
// connect.WithCodec or a protocol option says otherwise.
type Client struct {
	status        *connect.Client[StatusRequest, StatusResponse]
	listThreads   *connect.Client[ListThreadsRequest, ListThreadsResponse]
	takeSnapshot  *connect.Client[TakeSnapshotRequest, TakeSnapshotResponse]
	listSnapshots *connect.Client[ListSnapshotsRequest, ListSnapshotsResponse]
	getSnapshot   *connect.Client[GetSnapshotRequest, GetSnapshotResponse]
}

// NewClient creates a Client for the server at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	opts = append([]connect.ClientOption{connect.WithCodec(CBORCodec{})}, opts...)
	return &Client{
		status:        connect.NewClient[StatusRequest, StatusResponse](httpClient, baseURL+StatusProcedure, opts...),
		listThreads:   connect.NewClient[ListThreadsRequest, ListThreadsResponse](httpClient, baseURL+ListThreadsProcedure, opts...),
		takeSnapshot:  connect.NewClient[TakeSnapshotRequest, TakeSnapshotResponse](httpClient, baseURL+TakeSnapshotProcedure, opts...),
		listSnapshots: connect.NewClient[ListSnapshotsRequest, ListSnapshotsResponse](httpClient, baseURL+ListSnapshotsProcedure, opts...),
		getSnapshot:   connect.NewClient[GetSnapshotRequest, GetSnapshotResponse](httpClient, baseURL+GetSnapshotProcedure, opts...),
	}
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(&StatusRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// ListThreads lists threads, filtered by state name unless state is empty.
func (c *Client) ListThreads(ctx context.Context, state string) ([]ThreadInfo, error) {
	resp, err := c.listThreads.CallUnary(ctx, connect.NewRequest(&ListThreadsRequest{State: state}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Threads, nil
}

func (c *Client) TakeSnapshot(ctx context.Context) (SnapshotInfo, error) {
	resp, err := c.takeSnapshot.CallUnary(ctx, connect.NewRequest(&TakeSnapshotRequest{}))
	if err != nil {
		return SnapshotInfo{}, err
	}
	return resp.Msg.Snapshot, nil
}

func (c *Client) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	resp, err := c.listSnapshots.CallUnary(ctx, connect.NewRequest(&ListSnapshotsRequest{Limit: limit}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Snapshots, nil
}

func (c *Client) GetSnapshot(ctx context.Context, id string) (*GetSnapshotResponse, error) {
	resp, err := c.getSnapshot.CallUnary(ctx, connect.NewRequest(&GetSnapshotRequest{ID: id}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
