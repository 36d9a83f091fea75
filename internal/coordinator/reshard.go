package coordinator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/kvmesh/internal/retry"
	"github.com/dreamware/kvmesh/internal/rpc"
	"github.com/dreamware/kvmesh/internal/semaphore"
	"github.com/dreamware/kvmesh/internal/shardscheme"
)

// GracePeriod is the pause UpdateShardScheme takes between launching a
// phase's retry loops and checking whether every shard has at least
// one acknowledgement (spec.md §4.7).
const GracePeriod = 100 * time.Millisecond

// SchemeAvoidChars is the delimiter set a serialised scheme is escaped
// against before riding inside a shards/prepare body; shards/prepare
// has no other framing around it, so the empty set is sufficient.
const SchemeAvoidChars = ""

// readyEntry records one node that acknowledged PREPARE for a shard,
// the unit of work phase 2 retries against.
type readyEntry struct {
	shardID int
	addr    string
}

// UpdateShardScheme drives a complete two-phase reshard round
// (spec.md §4.7): every member of every shard in newScheme is PATCHed
// with the serialised scheme, and as soon as at least one member per
// shard acknowledges, the scheme is PATCHed again as the live switch.
// It returns once both phases have observed at least one
// acknowledgement per non-empty shard, or earlier if ctx is done; it
// does not wait for global
// completion — stragglers converge later via gossip and the
// inter-server retry loops already running on every node.
func UpdateShardScheme(ctx context.Context, client *rpc.Client, newScheme shardscheme.Scheme, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = rpc.Default
	}

	attemptID := uuid.NewString()
	log = log.With(zap.String("attempt_id", attemptID), zap.Int("target_version", newScheme.Version()))
	log.Info("reshard attempt starting")

	numShards := newScheme.NumShards()
	stop := make(chan struct{})
	defer close(stop)

	prepareAcked := make([]*semaphore.Counting, numShards)
	for i := range prepareAcked {
		prepareAcked[i] = semaphore.NewCounting(0)
	}

	var readyMu sync.Mutex
	var ready []readyEntry

	prepareBody := shardscheme.Serialize(newScheme, SchemeAvoidChars)

	for shardID := 0; shardID < numShards; shardID++ {
		shardID := shardID
		for _, addr := range newScheme.Shard(shardID).NodeList() {
			addr := addr
			go retry.Until(ctx, func(ctx context.Context) (string, int, error) {
				return client.Patch(ctx, addr, "shards/prepare", prepareBody, retry.Pause*10)
			}, func(resp string, status int, err error) bool {
				if err != nil || status != 200 {
					return false
				}
				readyMu.Lock()
				ready = append(ready, readyEntry{shardID: shardID, addr: addr})
				readyMu.Unlock()
				prepareAcked[shardID].Increment()
				return true
			}, stop)
		}
	}

	waitAllShards(ctx, newScheme, prepareAcked, log, "prepare")

	readyMu.Lock()
	phase1Ready := make([]readyEntry, len(ready))
	copy(phase1Ready, ready)
	readyMu.Unlock()

	switchAcked := make([]*semaphore.Counting, numShards)
	for i := range switchAcked {
		switchAcked[i] = semaphore.NewCounting(0)
	}

	switchBody := strconv.Itoa(newScheme.Version())

	for _, entry := range phase1Ready {
		entry := entry
		go retry.Until(ctx, func(ctx context.Context) (string, int, error) {
			return client.Patch(ctx, entry.addr, "shards/switch", switchBody, retry.Pause*10)
		}, func(resp string, status int, err error) bool {
			if err != nil || status != 200 {
				return false
			}
			switchAcked[entry.shardID].Increment()
			return true
		}, stop)
	}

	waitAllShards(ctx, newScheme, switchAcked, log, "switch")
}

// waitAllShards blocks, after one GracePeriod, until every non-empty
// shard has signalled its semaphore at least once, or until ctx is
// done, whichever comes first.
func waitAllShards(ctx context.Context, scheme shardscheme.Scheme, acked []*semaphore.Counting, log *zap.Logger, phase string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(GracePeriod):
	}

	var wg sync.WaitGroup
	for shardID, sem := range acked {
		if len(scheme.Shard(shardID).NodeList()) == 0 {
			continue
		}
		wg.Add(1)
		go func(shardID int, sem *semaphore.Counting) {
			defer wg.Done()
			sem.DownBlocking()
			log.Debug("shard acknowledged", zap.String("phase", phase), zap.Int("shard", shardID))
		}(shardID, sem)
	}

	allAcked := make(chan struct{})
	go func() {
		wg.Wait()
		close(allAcked)
	}()
	select {
	case <-allAcked:
	case <-ctx.Done():
	}
}
