// Phantomctl queries and controls a running phantom over gRPC or Connect.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rxell/phantomuserland/server"
)

// controller is the set of calls phantomctl makes, over either transport.
type controller interface {
	Status(ctx context.Context) (*server.StatusResponse, error)
	ListThreads(ctx context.Context, state string) ([]server.ThreadInfo, error)
	TakeSnapshot(ctx context.Context) (server.SnapshotInfo, error)
	ListSnapshots(ctx context.Context, limit int) ([]server.SnapshotInfo, error)
	GetSnapshot(ctx context.Context, id string) (*server.GetSnapshotResponse, error)
}

func main() {
	addr := flag.String("addr", "localhost:7070", "Server address")
	protocol := flag.String("protocol", "grpc", "Transport: grpc, connect (CBOR) or json (Connect with JSON)")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: phantomctl [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  status              VM, heap and snapshot summary\n")
		fmt.Fprintf(os.Stderr, "  threads [state]     List threads, optionally only those in state\n")
		fmt.Fprintf(os.Stderr, "  snapshot            Take a snapshot now\n")
		fmt.Fprintf(os.Stderr, "  list [limit]        List stored snapshots, newest first\n")
		fmt.Fprintf(os.Stderr, "  show <id>           Summarize a stored snapshot\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	c, closeFn, err := dial(*protocol, *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := runCommand(ctx, c, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		closeFn()
		os.Exit(1)
	}
}

func dial(protocol, addr string) (controller, func(), error) {
	switch protocol {
	case "grpc":
		target := strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
		if strings.HasPrefix(target, ":") {
			target = "localhost" + target
		}
		conn, err := grpc.NewClient(target,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(server.CBORCodec{})),
		)
		if err != nil {
			return nil, nil, err
		}
		return &grpcController{conn: conn}, func() { conn.Close() }, nil
	case "connect":
		return server.NewClient(http.DefaultClient, normalizeAddr(addr)), func() {}, nil
	case "json":
		return server.NewClient(http.DefaultClient, normalizeAddr(addr), connect.WithCodec(server.JSONCodec{})), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown protocol %q", protocol)
	}
}

func runCommand(ctx context.Context, c controller, args []string) error {
	switch args[0] {
	case "status":
		s, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(s)
	case "threads":
		state := ""
		if len(args) > 1 {
			state = args[1]
		}
		threads, err := c.ListThreads(ctx, state)
		if err != nil {
			return err
		}
		printThreads(threads)
	case "snapshot":
		s, err := c.TakeSnapshot(ctx)
		if err != nil {
			return err
		}
		printSnapshots([]server.SnapshotInfo{s})
	case "list":
		limit := 0
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bad limit %q", args[1])
			}
			limit = n
		}
		list, err := c.ListSnapshots(ctx, limit)
		if err != nil {
			return err
		}
		printSnapshots(list)
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: phantomctl show <id>")
		}
		s, err := c.GetSnapshot(ctx, args[1])
		if err != nil {
			return err
		}
		printSnapshotDetail(s)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

// ---------------------------------------------------------------------------
// gRPC transport
// ---------------------------------------------------------------------------

type grpcController struct {
	conn *grpc.ClientConn
}

func (g *grpcController) Status(ctx context.Context) (*server.StatusResponse, error) {
	var resp server.StatusResponse
	if err := g.conn.Invoke(ctx, server.StatusProcedure, &server.StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (g *grpcController) ListThreads(ctx context.Context, state string) ([]server.ThreadInfo, error) {
	var resp server.ListThreadsResponse
	if err := g.conn.Invoke(ctx, server.ListThreadsProcedure, &server.ListThreadsRequest{State: state}, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

func (g *grpcController) TakeSnapshot(ctx context.Context) (server.SnapshotInfo, error) {
	var resp server.TakeSnapshotResponse
	if err := g.conn.Invoke(ctx, server.TakeSnapshotProcedure, &server.TakeSnapshotRequest{}, &resp); err != nil {
		return server.SnapshotInfo{}, err
	}
	return resp.Snapshot, nil
}

func (g *grpcController) ListSnapshots(ctx context.Context, limit int) ([]server.SnapshotInfo, error) {
	var resp server.ListSnapshotsResponse
	if err := g.conn.Invoke(ctx, server.ListSnapshotsProcedure, &server.ListSnapshotsRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

func (g *grpcController) GetSnapshot(ctx context.Context, id string) (*server.GetSnapshotResponse, error) {
	var resp server.GetSnapshotResponse
	if err := g.conn.Invoke(ctx, server.GetSnapshotProcedure, &server.GetSnapshotRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func printStatus(s *server.StatusResponse) {
	fmt.Printf("State:      %s (generation %d)\n", s.State, s.Generation)
	fmt.Printf("Threads:    %d (%d running, %d parked)\n", s.Threads, s.Running, s.Parked)
	fmt.Printf("Heap:       %d objects, %d bytes\n", s.Objects, s.HeapBytes)
	fmt.Printf("Pages:      %d / %d\n", s.PagesUsed, s.PagesTotal)
	fmt.Printf("Snapshots:  %d\n", s.Snapshots)
	if s.LastSnapshot != nil {
		fmt.Printf("Last:       %s at %s\n", s.LastSnapshot.ID, s.LastSnapshot.TakenAt.Format(time.RFC3339))
	}
}

func printThreads(threads []server.ThreadInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TID\tREF\tSTATE\tACKS\tIP\tERROR")
	for _, t := range threads {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%s\n", t.TID, t.Ref, t.State, t.Acks, t.IP, t.Error)
	}
	w.Flush()
}

func printSnapshots(list []server.SnapshotInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGEN\tTAKEN\tOBJECTS\tTHREADS\tBYTES")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\n",
			s.ID, s.Generation, s.TakenAt.Format(time.RFC3339), s.Objects, s.Threads, s.Bytes)
	}
	w.Flush()
}

func printSnapshotDetail(s *server.GetSnapshotResponse) {
	printSnapshots([]server.SnapshotInfo{s.Snapshot})
	fmt.Printf("\nPage size: %d\nRoots:     %v\n\n", s.PageSize, s.Roots)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tOBJECTS")
	for _, name := range sortedKeys(s.Classes) {
		fmt.Fprintf(w, "%s\t%d\n", name, s.Classes[name])
	}
	w.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeAddr turns host:port or :port into a base URL.
func normalizeAddr(addr string) string {
	if addr == "" {
		return ""
	}
	if addr[0] == ':' {
		return "http://localhost" + addr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
