package raft

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/protocol"
	"testing"
	"time"
)

func Test_SimpleElection(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	// the new leader commits a no-op of its own term
	require.Eventually(t, func() bool {
		return cluster.status(leader).CommitIndex >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_SingleServerElectsItself(t *testing.T) {
	clusterConfig := generateClusterConfig(1)
	cluster := makeRaftCluster(t, clusterConfig)
	assert.Equal(t, 0, cluster.verifyElectionSafetyAndLiveness())
}

func Test_ReElection(t *testing.T) {
	clusterConfig1 := generateClusterConfig(3)
	clusterConfig2 := clusterConfig1
	clusterConfig3 := clusterConfig1
	// purposefully delay the election timeouts of 2 & 3 to ensure that 1 gets elected as leader first
	clusterConfig2.ElectionTimeout = time.Second
	clusterConfig3.ElectionTimeout = time.Second

	cluster := makeRaftCluster(t, clusterConfig1, clusterConfig2, clusterConfig3)
	require.Equal(t, 0, cluster.verifyElectionSafetyAndLiveness())
	oldTerm := cluster.status(0).Term

	// now 1 must have been elected as leader, so we disconnect it from cluster
	cluster.network.Isolate(cluster.members[0].ID)
	// someone else should be elected as a leader
	require.Eventually(t, func() bool {
		s1, s2 := cluster.status(1), cluster.status(2)
		return (s1.State == Leader || s2.State == Leader) && s1.Term > oldTerm
	}, 5*time.Second, 20*time.Millisecond)
	// note that server 1 still believes it leads, but in an older term
	assert.Equal(t, Leader, cluster.status(0).State)

	// now reconnect server 1 to cluster, it will convert to follower with the same term
	cluster.network.Heal(cluster.members[0].ID)
	require.Eventually(t, func() bool {
		s0, s1 := cluster.status(0), cluster.status(1)
		return s0.State == Follower && s0.Term == s1.Term
	}, 5*time.Second, 20*time.Millisecond)
	cluster.verifyElectionSafetyAndLiveness()
}

func Test_PollPreventsDisruption(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	follower := (leader + 1) % 3
	term := cluster.status(leader).Term

	// an isolated follower keeps polling but never bumps its term
	cluster.network.Isolate(cluster.members[follower].ID)
	time.Sleep(5 * clusterConfig.ElectionTimeout)
	assert.Equal(t, term, cluster.status(follower).Term)

	cluster.network.Heal(cluster.members[follower].ID)
	time.Sleep(3 * clusterConfig.ElectionTimeout)
	status := cluster.status(leader)
	assert.Equal(t, Leader, status.State, "rejoining follower disrupted the leader")
	assert.Equal(t, term, status.Term)
}

func Test_CommandsReplicateAndQuery(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID

	client := cluster.newClient()
	client.open(leaderID, time.Second)
	var last *protocol.CommandResponse
	for i := 0; i < 5; i++ {
		last = client.next(leaderID, fmt.Sprintf("v%d", i))
	}
	assert.Equal(t, "5", string(last.Result))

	response, err := client.query(leaderID, 0, protocol.Linearizable)
	require.NoError(t, err)
	assert.Equal(t, "v0,v1,v2,v3,v4", string(response.Result))

	// a follower answers sequential reads once it applied what the client saw
	follower := cluster.members[(leader+1)%3].ID
	response, err = client.query(follower, last.Index, protocol.Sequential)
	require.NoError(t, err)
	assert.Equal(t, "v0,v1,v2,v3,v4", string(response.Result))
	assert.GreaterOrEqual(t, response.Index, last.Index)

	cluster.waitConverged(leader)
	for i := range cluster.fsms {
		assert.Equal(t, []string{"v0", "v1", "v2", "v3", "v4"}, cluster.fsms[i].entries())
	}
}

func Test_FollowerRejectsOrForwards(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	follower := cluster.members[(leader+1)%3].ID
	cluster.waitConverged(leader)

	// clients are not members, so the follower forwards to the leader
	client := cluster.newClient()
	client.open(follower, time.Second)
	response := client.next(follower, "through-follower")
	assert.Equal(t, "1", string(response.Result))

	// requests from members are never forwarded, they get a redirect instead
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	member := cluster.members[(leader+2)%3].ID
	redirect := cluster.servers[(leader+1)%3].redirect(ctx, member, &protocol.CommandRequest{Session: client.session, Sequence: 2, Data: []byte("x")})
	require.NotNil(t, redirect)
	assert.ErrorIs(t, redirect.Header().Err(), protocol.ErrNotLeader)
	assert.Equal(t, cluster.members[leader].ID, redirect.Header().Leader)
	assert.Equal(t, []string{"through-follower"}, cluster.fsms[leader].entries())
}

func Test_DuplicateCommandIsNotReapplied(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID

	client := cluster.newClient()
	client.open(leaderID, time.Second)
	first, err := client.command(leaderID, 1, "once")
	require.NoError(t, err)
	// a retry with the same sequence gets the cached result
	again, err := client.command(leaderID, 1, "once")
	require.NoError(t, err)
	assert.Equal(t, first.Result, again.Result)
	assert.Equal(t, first.Index, again.Index)

	second, err := client.command(leaderID, 2, "twice")
	require.NoError(t, err)
	assert.Equal(t, "2", string(second.Result))
	cluster.waitConverged(leader)
	for i := range cluster.fsms {
		assert.Equal(t, []string{"once", "twice"}, cluster.fsms[i].entries())
	}

	// failures are cached too
	failed, err := client.command(leaderID, 3, "fail")
	assert.ErrorIs(t, err, protocol.ErrCommandFailure)
	assert.NotNil(t, failed)
}

func Test_UnknownSession(t *testing.T) {
	clusterConfig := generateClusterConfig(1)
	cluster := makeRaftCluster(t, clusterConfig)
	cluster.verifyElectionSafetyAndLiveness()
	client := cluster.newClient()
	client.session = 4242
	_, err := client.command(cluster.members[0].ID, 1, "x")
	assert.ErrorIs(t, err, protocol.ErrUnknownSession)
	_, err = client.query(cluster.members[0].ID, 0, protocol.Linearizable)
	assert.ErrorIs(t, err, protocol.ErrUnknownSession)
}

func Test_LaggingFollowerCatchesUp(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID
	lagging := (leader + 1) % 3

	client := cluster.newClient()
	client.open(leaderID, 10*time.Second)
	cluster.waitConverged(leader)
	cluster.network.Isolate(cluster.members[lagging].ID)
	for i := 0; i < 10; i++ {
		client.next(leaderID, fmt.Sprintf("v%d", i))
	}
	assert.Empty(t, cluster.fsms[lagging].entries())

	cluster.network.Heal(cluster.members[lagging].ID)
	cluster.waitConverged(leader)
	assert.Equal(t, cluster.fsms[leader].entries(), cluster.fsms[lagging].entries())
	assert.Equal(t, cluster.status(leader).LastIndex, cluster.status(lagging).LastIndex)
}

func Test_LeaderResumesFromFollowerHint(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID
	lagging, successor := (leader+1)%3, (leader+2)%3
	recorder := cluster.record(lagging)

	client := cluster.newClient()
	client.open(leaderID, 10*time.Second)
	cluster.waitConverged(leader)
	cluster.network.Isolate(cluster.members[lagging].ID)
	behind := cluster.status(lagging).LastIndex
	for i := 0; i < 6; i++ {
		client.next(leaderID, fmt.Sprintf("v%d", i))
	}

	// a new leader starts out assuming every follower has its whole log
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cluster.servers[leader].Transfer(ctx, cluster.members[successor].ID))
	require.Eventually(t, func() bool {
		return cluster.status(successor).State == Leader
	}, 5*time.Second, 20*time.Millisecond)
	successorID := cluster.members[successor].ID

	cluster.network.Heal(cluster.members[lagging].ID)
	cluster.waitConverged(successor)
	assert.Equal(t, cluster.fsms[successor].entries(), cluster.fsms[lagging].entries())

	requests := recorder.from(successorID)
	require.GreaterOrEqual(t, len(requests), 2)
	assert.Greater(t, requests[0].PrevLogIndex, behind)
	assert.Equal(t, behind, requests[1].PrevLogIndex, "leader did not resume right after the follower's last entry")
	require.NotEmpty(t, requests[1].Entries)
	assert.Equal(t, behind+1, requests[1].Entries[0].Index)
	for _, request := range requests {
		assert.GreaterOrEqual(t, request.PrevLogIndex, behind, "leader resent entries the follower already had")
	}
}

func Test_DivergentSuffixIsTruncated(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	old := cluster.verifyElectionSafetyAndLiveness()
	oldID := cluster.members[old].ID

	client := cluster.newClient()
	client.open(oldID, 10*time.Second)
	client.next(oldID, "kept")
	cluster.waitConverged(old)
	base := cluster.status(old).LastIndex

	// the old leader keeps appending entries it can no longer replicate
	for i, member := range cluster.members {
		if i != old {
			cluster.network.Cut(oldID, member.ID)
		}
	}
	lost := make(chan error, 1)
	go func() {
		_, err := client.command(oldID, 2, "lost")
		lost <- err
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	newcomer := common.Server{ID: cluster.newClient().id, NetAddress: "local:new"}
	go cluster.servers[old].changeMembership(ctx, newcomer, true)
	require.Eventually(t, func() bool {
		return cluster.status(old).LastIndex == base+2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, cluster.status(old).Members, 4)

	next := -1
	require.Eventually(t, func() bool {
		for i := range cluster.servers {
			if i != old && cluster.status(i).State == Leader {
				next = i
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	nextID := cluster.members[next].ID
	other := cluster.newClient()
	other.open(nextID, 10*time.Second)
	other.next(nextID, "won")

	cluster.network.Heal(oldID)
	assert.Error(t, <-lost)
	cluster.waitConverged(next)
	assert.Equal(t, []string{"kept", "won"}, cluster.fsms[old].entries())
	assert.Len(t, cluster.status(old).Members, 3, "uncommitted configuration was not reverted")
	entry, err := cluster.servers[old].LogStore.Get(base + 1)
	require.NoError(t, err)
	assert.Equal(t, cluster.status(next).Term, entry.Term)
	assert.Equal(t, cluster.status(next).LastIndex, cluster.status(old).LastIndex)
}

func Test_CommitIndexWriteFailureFaults(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID
	follower := (leader + 1) % 3

	client := cluster.newClient()
	client.open(leaderID, 10*time.Second)
	client.next(leaderID, "before")
	cluster.waitConverged(leader)
	applied := cluster.status(follower).AppliedIndex

	cluster.stateBroken[follower].Store(true)
	client.next(leaderID, "after")
	require.Eventually(t, func() bool {
		return cluster.status(follower).Faulted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, applied, cluster.status(follower).AppliedIndex)
	assert.Equal(t, []string{"before"}, cluster.fsms[follower].entries())
}

func Test_FollowerBehindSnapshotGetsInstall(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	clusterConfig.SnapshotThreshold = 5
	clusterConfig.SnapshotChunkSize = 16
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID
	lagging := (leader + 1) % 3

	client := cluster.newClient()
	client.open(leaderID, 10*time.Second)
	cluster.waitConverged(leader)
	cluster.network.Isolate(cluster.members[lagging].ID)
	for i := 0; i < 20; i++ {
		client.next(leaderID, fmt.Sprintf("v%d", i))
	}
	require.Greater(t, cluster.status(leader).SnapshotIndex, cluster.status(lagging).LastIndex)

	cluster.network.Heal(cluster.members[lagging].ID)
	cluster.waitConverged(leader)
	assert.Greater(t, cluster.status(lagging).SnapshotIndex, uint64(0))
	assert.Equal(t, cluster.fsms[leader].entries(), cluster.fsms[lagging].entries())

	// the installed sessions keep deduplicating
	again, err := client.command(leaderID, client.seq, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "20", string(again.Result))
}

func Test_RestartReplaysCommittedEntries(t *testing.T) {
	clusterConfig := generateClusterConfig(1)
	clusterConfig.SnapshotThreshold = 4
	cluster := makeRaftCluster(t, clusterConfig)
	cluster.verifyElectionSafetyAndLiveness()
	id := cluster.members[0].ID

	client := cluster.newClient()
	client.open(id, 10*time.Second)
	for i := 0; i < 6; i++ {
		client.next(id, fmt.Sprintf("v%d", i))
	}
	before := cluster.status(0)

	cluster.stop(0)
	cluster.start(0)
	after := cluster.status(0)
	assert.Equal(t, before.Term, after.Term)
	assert.Equal(t, before.LastIndex, after.LastIndex)
	assert.GreaterOrEqual(t, after.AppliedIndex, before.CommitIndex)
	assert.Equal(t, []string{"v0", "v1", "v2", "v3", "v4", "v5"}, cluster.fsms[0].entries())
	assert.Equal(t, 1, after.Sessions)

	cluster.verifyElectionSafetyAndLiveness()
	response := client.next(id, "v6")
	assert.Equal(t, "7", string(response.Result))
}

func Test_LeadershipTransferToLaggingFollower(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID
	target := (leader + 1) % 3

	client := cluster.newClient()
	client.open(leaderID, 10*time.Second)
	cluster.network.Isolate(cluster.members[target].ID)
	for i := 0; i < 3; i++ {
		client.next(leaderID, fmt.Sprintf("v%d", i))
	}
	cluster.network.Heal(cluster.members[target].ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cluster.servers[leader].Transfer(ctx, cluster.members[target].ID))
	require.Eventually(t, func() bool {
		return cluster.status(target).State == Leader
	}, 5*time.Second, 20*time.Millisecond)
	// the target was brought up to date before it campaigned
	assert.Equal(t, []string{"v0", "v1", "v2"}, cluster.fsms[target].entries())
	cluster.verifyElectionSafetyAndLiveness()
}

func Test_MembershipJoinAndLeave(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID

	client := cluster.newClient()
	client.open(leaderID, 10*time.Second)
	client.next(leaderID, "before-join")

	joiner := cluster.addServer(clusterConfig)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cluster.servers[joiner].Join(ctx, cluster.members[joiner]))
	require.Eventually(t, func() bool {
		for i := range cluster.servers {
			if len(cluster.status(i).Members) != 4 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	client.next(leaderID, "after-join")
	cluster.waitConverged(leader)
	assert.Equal(t, []string{"before-join", "after-join"}, cluster.fsms[joiner].entries())

	// joining twice is a no-op
	require.NoError(t, cluster.servers[joiner].Join(ctx, cluster.members[joiner]))
	assert.Len(t, cluster.status(leader).Members, 4)

	require.NoError(t, cluster.servers[leader].Leave(ctx, cluster.members[joiner]))
	require.Eventually(t, func() bool {
		return len(cluster.status(joiner).Members) == 3 && len(cluster.status(leader).Members) == 3
	}, 5*time.Second, 20*time.Millisecond)
	cluster.verifyElectionSafetyAndLiveness()
}

func Test_LeaderRemovedStepsDown(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cluster.servers[leader].Leave(ctx, cluster.members[leader]))
	require.Eventually(t, func() bool {
		return cluster.status(leader).State != Leader
	}, 5*time.Second, 20*time.Millisecond)
	next := cluster.verifyElectionSafetyAndLiveness()
	assert.NotEqual(t, leader, next)
	assert.Len(t, cluster.status(next).Members, 2)
}

func Test_ConcurrentConfigurationChangeRejected(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	server := cluster.servers[leader]
	// without followers nothing commits, so the first change stays pending
	for i := range cluster.members {
		if i != leader {
			cluster.network.Isolate(cluster.members[i].ID)
		}
	}
	newcomer := common.Server{ID: cluster.newClient().id, NetAddress: "local:new"}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go server.changeMembership(ctx, newcomer, true)
	var proposeErr error
	require.Eventually(t, func() bool {
		_ = server.execute(context.Background(), func() {
			_, _, proposeErr = server.proposeConfiguration(clusterConfig.Cluster)
		})
		return proposeErr != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, proposeErr, protocol.ErrConfiguration)
}

func Test_DurabilityFailureStepsDown(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID

	client := cluster.newClient()
	client.open(leaderID, 10*time.Second)
	cluster.broken[leader].Store(true)
	_, err := client.command(leaderID, 1, "lost")
	assert.ErrorIs(t, err, protocol.ErrUnavailable)

	status := cluster.status(leader)
	assert.True(t, status.Faulted)
	assert.Equal(t, Follower, status.State)
	next := cluster.verifyElectionSafetyAndLiveness()
	assert.NotEqual(t, leader, next)
	// the faulted server never leads again until restarted
	time.Sleep(3 * clusterConfig.ElectionTimeout)
	assert.NotEqual(t, Leader, cluster.status(leader).State)
}

func Test_EventsArePublishedToTheSessionClient(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID

	client := cluster.newClient()
	client.open(leaderID, 10*time.Second)
	first := client.next(leaderID, "event:a")
	second := client.next(leaderID, "event:b")
	assert.Equal(t, first.Index, first.EventIndex)

	require.Eventually(t, func() bool { return len(client.published()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	events := client.published()
	assert.Equal(t, first.Index, events[0].EventIndex)
	assert.Equal(t, uint64(0), events[0].PreviousIndex)
	assert.Equal(t, [][]byte{[]byte("a")}, events[0].Events)
	assert.Equal(t, second.Index, events[1].EventIndex)
	assert.Equal(t, first.Index, events[1].PreviousIndex)

	// a reset resends everything that was not acknowledged
	require.NoError(t, client.comm.Reset(leaderID, &protocol.ResetRequest{Session: client.session, Index: 0}))
	require.Eventually(t, func() bool { return len(client.published()) >= 4 }, 2*time.Second, 10*time.Millisecond)

	// once acknowledged by a keep-alive they are gone
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	response, err := client.comm.KeepAlive(ctx, leaderID, &protocol.KeepAliveRequest{
		Session:         client.session,
		CommandSequence: client.seq,
		EventIndex:      second.Index,
	})
	require.NoError(t, err)
	require.NoError(t, response.Err())
	assert.Len(t, response.Members, 3)
	require.NoError(t, client.comm.Reset(leaderID, &protocol.ResetRequest{Session: client.session, Index: 0}))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, client.published(), 4)
}

func Test_SessionsExpireWithoutKeepAlive(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID

	client := cluster.newClient()
	client.open(leaderID, 0)
	assert.Equal(t, 1, cluster.status(leader).Sessions)
	require.Eventually(t, func() bool {
		return cluster.status(leader).Sessions == 0
	}, 5*time.Second, 20*time.Millisecond)
	_, err := client.command(leaderID, 1, "late")
	assert.ErrorIs(t, err, protocol.ErrSessionExpired)
	assert.Equal(t, []uint64{client.session}, cluster.fsms[leader].closedSessions())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	keepAlive, err := client.comm.KeepAlive(ctx, leaderID, &protocol.KeepAliveRequest{Session: client.session})
	require.NoError(t, err)
	assert.ErrorIs(t, keepAlive.Err(), protocol.ErrSessionExpired)
	// a session that never existed is still unknown
	response, err := client.comm.KeepAlive(ctx, leaderID, &protocol.KeepAliveRequest{Session: client.session + 1000})
	require.NoError(t, err)
	assert.ErrorIs(t, response.Err(), protocol.ErrUnknownSession)

	cluster.waitConverged(leader)
	for i := range cluster.fsms {
		assert.Equal(t, 0, cluster.status(i).Sessions)
	}

	// the expiry survives compaction of the log that recorded it
	follower := (leader + 1) % 3
	require.NoError(t, cluster.servers[follower].Snapshot(ctx))
	require.Greater(t, cluster.status(follower).SnapshotIndex, client.session)
	cluster.stop(follower)
	cluster.start(follower)
	_, err = client.query(cluster.members[follower].ID, 0, protocol.Sequential)
	assert.ErrorIs(t, err, protocol.ErrSessionExpired)
}

func Test_MetadataAndCloseSession(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	cluster := makeRaftCluster(t, clusterConfig, clusterConfig, clusterConfig)
	leader := cluster.verifyElectionSafetyAndLiveness()
	leaderID := cluster.members[leader].ID

	client := cluster.newClient()
	client.open(leaderID, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	metadata, err := client.comm.Metadata(ctx, leaderID, &protocol.MetadataRequest{Session: client.session})
	require.NoError(t, err)
	assert.Equal(t, leaderID, metadata.Leader)
	assert.Len(t, metadata.Members, 3)
	require.Len(t, metadata.Sessions, 1)
	assert.Equal(t, client.id, metadata.Sessions[0].Client)

	closed, err := client.comm.CloseSession(ctx, leaderID, &protocol.CloseSessionRequest{Session: client.session})
	require.NoError(t, err)
	require.NoError(t, closed.Err())
	closed, err = client.comm.CloseSession(ctx, leaderID, &protocol.CloseSessionRequest{Session: client.session})
	require.NoError(t, err)
	assert.ErrorIs(t, closed.Err(), protocol.ErrUnknownSession)
	assert.Equal(t, []uint64{client.session}, cluster.fsms[leader].closedSessions())
}
