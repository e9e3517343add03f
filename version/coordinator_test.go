package version

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronokv/core/protocol"
)

func newTestCoordinator(t *testing.T, proxies ...protocol.ProxyID) *Coordinator {
	t.Helper()
	var c = New(protocol.RealClock{}, DefaultConfig())
	c.UpdateRecoveryData(context.Background(), protocol.UpdateRecoveryDataRequest{
		RecoveryTransactionVersion: 100,
		LastEpochEnd:               100,
		CommitProxies:              proxies,
	}, true)
	return c
}

func TestGetCommitVersionUnknownProxy(t *testing.T) {
	var c = newTestCoordinator(t, "proxy-a")
	var _, err = c.GetCommitVersion(context.Background(), protocol.GetCommitVersionRequest{
		RequestingProxy: "proxy-unknown",
		RequestNum:      1,
	})
	assert.ErrorIs(t, err, protocol.ErrUnknownProxy)
}

func TestGetCommitVersionIsMonotoneAcrossRequestNums(t *testing.T) {
	var c = newTestCoordinator(t, "proxy-a")
	var ctx = context.Background()

	var rep1, err1 = c.GetCommitVersion(ctx, protocol.GetCommitVersionRequest{RequestingProxy: "proxy-a", RequestNum: 1})
	require.NoError(t, err1)

	var rep2, err2 = c.GetCommitVersion(ctx, protocol.GetCommitVersionRequest{
		RequestingProxy:               "proxy-a",
		RequestNum:                    2,
		MostRecentProcessedRequestNum: 1,
	})
	require.NoError(t, err2)

	assert.Greater(t, rep2.Version, rep1.Version)
	assert.Equal(t, rep1.Version, rep2.PrevVersion)
}

// TestGetCommitVersionIsIdempotent exercises spec scenario 4: replaying the
// same requestNum for a proxy must return the identical cached reply.
func TestGetCommitVersionIsIdempotent(t *testing.T) {
	var c = newTestCoordinator(t, "proxy-a")
	var ctx = context.Background()

	var rep1, err1 = c.GetCommitVersion(ctx, protocol.GetCommitVersionRequest{RequestingProxy: "proxy-a", RequestNum: 1})
	require.NoError(t, err1)

	var rep2, err2 = c.GetCommitVersion(ctx, protocol.GetCommitVersionRequest{RequestingProxy: "proxy-a", RequestNum: 1})
	require.NoError(t, err2)

	assert.Equal(t, rep1, rep2)
}

func TestGetCommitVersionBlocksOnFIFOOrder(t *testing.T) {
	var c = newTestCoordinator(t, "proxy-a")

	var ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// RequestNum 2 arrives before RequestNum 1 has ever been served; must
	// block until RequestNum 1 lands (it never will here), so this call
	// should time out rather than complete.
	var _, err = c.GetCommitVersion(ctx, protocol.GetCommitVersionRequest{RequestingProxy: "proxy-a", RequestNum: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetCommitVersionStaleRequestNeverResolves(t *testing.T) {
	var c = newTestCoordinator(t, "proxy-a")
	var ctx = context.Background()

	var _, err = c.GetCommitVersion(ctx, protocol.GetCommitVersionRequest{RequestingProxy: "proxy-a", RequestNum: 1})
	require.NoError(t, err)

	// Advance past 1 and evict its cached reply via MostRecentProcessedRequestNum.
	var _, err2 = c.GetCommitVersion(ctx, protocol.GetCommitVersionRequest{
		RequestingProxy:               "proxy-a",
		RequestNum:                    2,
		MostRecentProcessedRequestNum: 1,
	})
	require.NoError(t, err2)

	var timeoutCtx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Re-requesting the now-evicted, already-passed RequestNum 1 must never
	// resolve (SendNever), surfacing only as a context deadline.
	var _, err3 = c.GetCommitVersion(timeoutCtx, protocol.GetCommitVersionRequest{RequestingProxy: "proxy-a", RequestNum: 1})
	assert.ErrorIs(t, err3, context.DeadlineExceeded)
}

// TestGetCommitVersionExactDuplicateOfLatestNeverResolves exercises the
// Open Question disposition recorded in DESIGN.md/SPEC_FULL.md: an exact
// duplicate of the proxy's latest-served RequestNum, whose cache entry was
// itself already evicted by MostRecentProcessedRequestNum, is stale -- not a
// fresh allocation -- even though it is not strictly less than latest.
func TestGetCommitVersionExactDuplicateOfLatestNeverResolves(t *testing.T) {
	var c = newTestCoordinator(t, "proxy-a")
	var ctx = context.Background()

	var _, err = c.GetCommitVersion(ctx, protocol.GetCommitVersionRequest{
		RequestingProxy:               "proxy-a",
		RequestNum:                    1,
		MostRecentProcessedRequestNum: 1, // evict RequestNum 1's own cache entry immediately
	})
	require.NoError(t, err)

	var timeoutCtx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Re-requesting RequestNum 1 again: latestRequestNum is exactly 1, the
	// cache was evicted, so this must never resolve rather than allocate a
	// second version for an already-served RequestNum.
	var _, err2 = c.GetCommitVersion(timeoutCtx, protocol.GetCommitVersionRequest{RequestingProxy: "proxy-a", RequestNum: 1})
	assert.ErrorIs(t, err2, context.DeadlineExceeded)
}

func TestGetCommitVersionRejectsRequestNumOverflow(t *testing.T) {
	var c = newTestCoordinator(t, "proxy-a")
	var _, err = c.GetCommitVersion(context.Background(), protocol.GetCommitVersionRequest{
		RequestingProxy: "proxy-a",
		RequestNum:      uint64(math.MaxInt64) + 1,
	})
	assert.ErrorIs(t, err, protocol.ErrRequestNumOverflow)
}

func TestUpdateAndGetLiveCommittedVersion(t *testing.T) {
	var c = newTestCoordinator(t, "proxy-a")
	var ctx = context.Background()

	var live0 = c.GetLiveCommittedVersion()
	assert.Equal(t, protocol.Version(100), live0.Version)

	require.NoError(t, c.UpdateLiveCommittedVersion(ctx, protocol.ReportRawCommittedVersionRequest{
		Version:                  150,
		MinKnownCommittedVersion: 140,
	}))

	var live1 = c.GetLiveCommittedVersion()
	assert.Equal(t, protocol.Version(150), live1.Version)
	assert.Equal(t, protocol.Version(140), live1.MinKnownCommittedVersion)
}

func TestUpdateLiveCommittedVersionIgnoresRegression(t *testing.T) {
	var c = newTestCoordinator(t, "proxy-a")
	var ctx = context.Background()

	require.NoError(t, c.UpdateLiveCommittedVersion(ctx, protocol.ReportRawCommittedVersionRequest{Version: 200}))
	require.NoError(t, c.UpdateLiveCommittedVersion(ctx, protocol.ReportRawCommittedVersionRequest{Version: 150}))

	assert.Equal(t, protocol.Version(200), c.GetLiveCommittedVersion().Version)
}
