package raft

import (
	"context"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/protocol"
	"log"
)

// Configuration is a set of voting members, versioned by the index of the
// entry that installed it.
type Configuration struct {
	Index, Term uint64
	Members     []common.Server
}

func (c Configuration) lookup(id uuid.UUID) (common.Server, bool) {
	for _, member := range c.Members {
		if member.ID == id {
			return member, true
		}
	}
	return common.Server{}, false
}

func (c Configuration) with(member common.Server) []common.Server {
	members := append([]common.Server(nil), c.Members...)
	return append(members, member)
}

func (c Configuration) without(id uuid.UUID) []common.Server {
	var members []common.Server
	for _, member := range c.Members {
		if member.ID != id {
			members = append(members, member)
		}
	}
	return members
}

// configurationBody is the payload of a Configuration entry.
type configurationBody struct {
	Members []common.Server
}

// membership keeps the committed configuration followed by any appended
// but uncommitted ones. A configuration takes effect as soon as it is appended.
type membership struct {
	history []Configuration
}

func newMembership(committed Configuration) *membership {
	return &membership{history: []Configuration{committed}}
}

func (m *membership) committed() Configuration {
	return m.history[0]
}

func (m *membership) current() Configuration {
	return m.history[len(m.history)-1]
}

func (m *membership) pending() bool {
	return len(m.history) > 1
}

func (m *membership) isMember(id uuid.UUID) bool {
	_, ok := m.current().lookup(id)
	return ok
}

func (m *membership) lookup(id uuid.UUID) (common.Server, bool) {
	return m.current().lookup(id)
}

func (m *membership) quorum() int {
	return len(m.current().Members)/2 + 1
}

// appended installs a configuration read from a newly appended entry.
func (m *membership) appended(c Configuration) {
	if c.Index <= m.current().Index {
		return
	}
	m.history = append(m.history, c)
}

// commit marks every configuration up to index as committed and returns
// the members dropped relative to the previously committed configuration.
func (m *membership) commit(index uint64) []common.Server {
	previous := m.committed()
	i := 0
	for i+1 < len(m.history) && m.history[i+1].Index <= index {
		i++
	}
	if i == 0 {
		return nil
	}
	m.history = m.history[i:]
	var removed []common.Server
	for _, member := range previous.Members {
		if _, ok := m.committed().lookup(member.ID); !ok {
			removed = append(removed, member)
		}
	}
	return removed
}

// truncate forgets uncommitted configurations installed by entries >= from.
func (m *membership) truncate(from uint64) {
	i := len(m.history)
	for i > 1 && m.history[i-1].Index >= from {
		i--
	}
	m.history = m.history[:i]
}

// reset replaces the whole history, used when installing a snapshot or a Configure.
func (m *membership) reset(c Configuration) {
	m.history = []Configuration{c}
}

// scanConfigurations rebuilds the configuration history from the retained log.
func (server *RaftServer) scanConfigurations() error {
	if server.lastIndex <= server.snapshotIndex {
		return nil
	}
	entries, err := server.LogStore.Entries(server.snapshotIndex+1, server.lastIndex+1)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Type == common.ConfigurationEntry {
			if err := server.configurationAppended(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (server *RaftServer) configurationAppended(entry common.LogEntry) error {
	var body configurationBody
	if err := server.codec.Decode(entry.Data, &body); err != nil {
		return err
	}
	server.members.appended(Configuration{Index: entry.Index, Term: entry.Term, Members: body.Members})
	if server.State == Leader {
		for _, member := range body.Members {
			if member.ID == server.MyID {
				continue
			}
			if _, ok := server.leader.NextIndexMap[member.ID]; !ok {
				server.leader.NextIndexMap[member.ID] = server.lastIndex + 1
				server.leader.MatchIndexMap[member.ID] = 0
			}
		}
	}
	return nil
}

// configurationCommitted runs when a Configuration entry is applied.
func (server *RaftServer) configurationCommitted(entry common.LogEntry) {
	removed := server.members.commit(entry.Index)
	committed := server.members.committed()
	log.Printf("%v: configuration %d committed with %d members\n", server.name, committed.Index, len(committed.Members))
	if server.State != Leader {
		return
	}
	for _, member := range removed {
		if member.ID == server.MyID {
			continue
		}
		server.dropPeer(member.ID)
		request := &protocol.ConfigureRequest{
			Term:    server.Term,
			Leader:  server.MyID,
			Index:   committed.Index,
			Members: committed.Members,
		}
		to := member.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), server.config.ElectionTimeout)
			defer cancel()
			if _, err := server.comm.Configure(ctx, to, request); err != nil {
				log.Printf("%v: error announcing configuration to removed member %v: %+v\n", server.name, to, err)
			}
		}()
	}
	if _, ok := committed.lookup(server.MyID); !ok {
		log.Printf("%v: removed from the configuration, stepping down\n", server.name)
		server.convertToFollower()
	}
}

// dropPeer forgets replication progress of a member that left.
func (server *RaftServer) dropPeer(id uuid.UUID) {
	if server.leader == nil {
		return
	}
	delete(server.leader.NextIndexMap, id)
	delete(server.leader.MatchIndexMap, id)
	delete(server.leader.inflight, id)
	delete(server.leader.installs, id)
}

// proposeConfiguration appends a Configuration entry with members, it must run on the loop.
func (server *RaftServer) proposeConfiguration(members []common.Server) (uint64, chan applyResult, error) {
	if server.members.pending() {
		return 0, nil, protocol.NewError(protocol.ConfigurationError, "configuration change in progress")
	}
	return server.propose(common.ConfigurationEntry, configurationBody{Members: members})
}

type configurationResult struct {
	Index, Term uint64
	Members     []common.Server
}

// changeMembership applies one single-member change as leader and waits for it to commit.
// Changes that would not alter the configuration return the current one.
func (server *RaftServer) changeMembership(ctx context.Context, member common.Server, join bool) (configurationResult, error) {
	var result configurationResult
	var future chan applyResult
	var proposeErr error
	err := server.execute(ctx, func() {
		current := server.members.current()
		_, present := current.lookup(member.ID)
		if present == join {
			if err := server.checkProposal(); err != nil {
				proposeErr = err
				return
			}
			result = configurationResult{Index: current.Index, Term: current.Term, Members: current.Members}
			return
		}
		members := current.with(member)
		if !join {
			members = current.without(member.ID)
		}
		if len(members) == 0 {
			proposeErr = protocol.NewError(protocol.ConfigurationError, "cannot remove the last member")
			return
		}
		_, future, proposeErr = server.proposeConfiguration(members)
		if proposeErr == nil {
			log.Printf("%v: proposed configuration change (join=%t) for %v\n", server.name, join, member.ID)
		}
	})
	if err == nil {
		err = proposeErr
	}
	if err != nil || future == nil {
		return result, err
	}
	applied, err := server.await(ctx, future)
	if err != nil {
		return result, err
	}
	err = server.execute(ctx, func() {
		c := server.members.committed()
		if c.Index < applied.index {
			c = server.members.current()
		}
		result = configurationResult{Index: c.Index, Term: c.Term, Members: c.Members}
	})
	return result, err
}

// adoptConfiguration handles a Configure announcement from a leader.
func (server *RaftServer) adoptConfiguration(request *protocol.ConfigureRequest, response *protocol.ConfigureResponse) {
	response.Term = server.Term
	if request.Term < server.Term {
		return
	}
	if request.Index > server.members.current().Index {
		server.members.reset(Configuration{Index: request.Index, Term: request.Term, Members: request.Members})
		log.Printf("%v: adopted configuration %d from %v\n", server.name, request.Index, request.Leader)
	}
	if !server.members.isMember(server.MyID) {
		signal(server.ElectionTimeoutChan, false)
	}
}
