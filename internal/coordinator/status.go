package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/kvmesh/internal/rpc"
	"github.com/dreamware/kvmesh/internal/shardscheme"
)

// NodeStatus is one address's answer (or non-answer) to an /admin/info
// probe.
type NodeStatus struct {
	Addr          string
	ShardID       int
	Reachable     bool
	SchemeVersion int
	Count         int
	Err           error
}

// StatusTimeout bounds each individual probe in a ClusterStatus sweep.
const StatusTimeout = 2 * time.Second

// ClusterStatus probes every address across every shard of scheme in
// parallel and returns one NodeStatus per address. It is read-only and
// makes no attempt at retries — a node that doesn't answer inside
// StatusTimeout is simply reported unreachable, for the operator to
// act on.
func ClusterStatus(ctx context.Context, client *rpc.Client, scheme shardscheme.Scheme) []NodeStatus {
	if client == nil {
		client = rpc.Default
	}

	type job struct {
		addr    string
		shardID int
	}
	var jobs []job
	for shardID := 0; shardID < scheme.NumShards(); shardID++ {
		for _, addr := range scheme.Shard(shardID).NodeList() {
			jobs = append(jobs, job{addr: addr, shardID: shardID})
		}
	}

	results := make([]NodeStatus, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		i, j := i, j
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = probe(ctx, client, j.addr, j.shardID)
		}()
	}
	wg.Wait()

	return results
}

func probe(ctx context.Context, client *rpc.Client, addr string, shardID int) NodeStatus {
	resp, status, err := client.Get(ctx, addr, "admin/info", StatusTimeout)
	if err != nil || status != 200 {
		return NodeStatus{Addr: addr, ShardID: shardID, Err: err}
	}

	schemeVersion, count, err := parseAdminInfo(resp)
	if err != nil {
		return NodeStatus{Addr: addr, ShardID: shardID, Err: err}
	}

	return NodeStatus{
		Addr:          addr,
		ShardID:       shardID,
		Reachable:     true,
		SchemeVersion: schemeVersion,
		Count:         count,
	}
}

// parseAdminInfo decodes the "<schemeVersion>|<count>" body
// transport's /admin/info handler renders.
func parseAdminInfo(s string) (schemeVersion, count int, err error) {
	versionStr, countStr, ok := strings.Cut(s, "|")
	if !ok {
		return 0, 0, fmt.Errorf("coordinator: malformed admin/info response %q", s)
	}
	schemeVersion, err = strconv.Atoi(versionStr)
	if err != nil {
		return 0, 0, fmt.Errorf("coordinator: malformed scheme version %q: %w", versionStr, err)
	}
	count, err = strconv.Atoi(countStr)
	if err != nil {
		return 0, 0, fmt.Errorf("coordinator: malformed count %q: %w", countStr, err)
	}
	return schemeVersion, count, nil
}
