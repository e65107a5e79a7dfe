package coord

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElectionSingleLeader(t *testing.T) {
	server := newTestServer(t)
	first := connect(t, server, "master-a")
	second := connect(t, server, "master-b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	electionA := NewElection(first, "/cluster/leader")
	require.NoError(t, electionA.Campaign(ctx))
	assert.True(t, electionA.IsLeader())

	electionB := NewElection(second, "/cluster/leader")
	won := make(chan error, 1)
	go func() { won <- electionB.Campaign(ctx) }()

	select {
	case <-won:
		t.Fatal("second candidate won while the first leads")
	case <-time.After(50 * time.Millisecond):
	}

	leader, err := electionB.Leader()
	require.NoError(t, err)
	assert.Equal(t, "master-a", leader)

	require.NoError(t, first.Close())

	select {
	case err := <-won:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second candidate never took over")
	}
	assert.True(t, electionB.IsLeader())
}

func TestElectionResign(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "master")
	election := NewElection(session, "/cluster/leader")

	require.NoError(t, election.Campaign(context.Background()))
	require.NoError(t, election.Resign())
	assert.False(t, election.IsLeader())
	require.NoError(t, election.Resign(), "resign without leadership is a no-op")

	_, err := election.Leader()
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestElectionWaitsForReconnect(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "master")
	election := NewElection(session, "/cluster/leader")

	server.SetAvailable(false)
	won := make(chan error, 1)
	go func() { won <- election.Campaign(context.Background()) }()

	select {
	case <-won:
		t.Fatal("won while unavailable")
	case <-time.After(50 * time.Millisecond):
	}

	server.SetAvailable(true)
	select {
	case err := <-won:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("campaign did not resume after reconnect")
	}
}

func TestElectionCancelled(t *testing.T) {
	server := newTestServer(t)
	holder := connect(t, server, "holder")
	require.NoError(t, NewElection(holder, "/cluster/leader").Campaign(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := NewElection(connect(t, server, "other"), "/cluster/leader").Campaign(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestElectionAcrossHandles(t *testing.T) {
	ns := "/test-" + uuid.NewString()
	handles := []*Server{
		openServer(t, testEtcd.Endpoints(), ns),
		openServer(t, testEtcd.Endpoints(), ns),
	}
	elections := make([]*Election, len(handles))
	won := make(chan int, len(handles))
	for i, h := range handles {
		elections[i] = NewElection(connect(t, h, fmt.Sprintf("coordinator-%d", i)), "/cluster/leader")
		go func() {
			if elections[i].Campaign(t.Context()) == nil {
				won <- i
			}
		}()
	}

	var first int
	select {
	case first = <-won:
	case <-time.After(5 * time.Second):
		t.Fatal("nobody was elected")
	}
	other := 1 - first
	assert.True(t, elections[first].IsLeader())
	assert.False(t, elections[other].IsLeader())
	leader, err := elections[other].Leader()
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("coordinator-%d", first), leader)

	require.NoError(t, handles[first].Close())

	select {
	case got := <-won:
		assert.Equal(t, other, got)
	case <-time.After(10 * time.Second):
		t.Fatal("the remaining handle never took over")
	}
	assert.True(t, elections[other].IsLeader())
}

func TestDeletedCandidateLosesLeadership(t *testing.T) {
	server := newTestServer(t)
	leader := NewElection(connect(t, server, "leader"), "/cluster/leader")
	require.NoError(t, leader.Campaign(t.Context()))

	admin := connect(t, server, "admin")
	require.NoError(t, admin.Delete("/cluster/leader"))
	assert.False(t, leader.IsLeader())
	require.NoError(t, leader.Resign())
}
