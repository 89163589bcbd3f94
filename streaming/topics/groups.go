package topics

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-kit/log/level"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// ConsumerGroup tracks members in insertion order and the deterministic
// partition assignment. Offsets live on the partitions, keyed by group id.
type ConsumerGroup struct {
	TopicID uint32
	ID      uint32
	Name    string

	mu         sync.RWMutex
	members    []uint32
	assignment map[uint32]uint32 // partition id -> member id
}

// Members returns the member ids in join order.
func (g *ConsumerGroup) Members() []uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]uint32(nil), g.members...)
}

// Assignment returns a copy of the partition -> member mapping.
func (g *ConsumerGroup) Assignment() map[uint32]uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[uint32]uint32, len(g.assignment))
	for p, m := range g.assignment {
		out[p] = m
	}
	return out
}

// PartitionsFor returns the partitions assigned to member, or an error if
// the member holds none (including when it never joined).
func (g *ConsumerGroup) PartitionsFor(member uint32) ([]uint32, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []uint32
	for p, m := range g.assignment {
		if m == member {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, streamerr.ErrNoAssignment
	}
	return out, nil
}

// HasMember reports whether member has joined the group.
func (g *ConsumerGroup) HasMember(member uint32) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range g.members {
		if m == member {
			return true
		}
	}
	return false
}

// reassign recomputes the assignment: partition p (1-based rank) goes to
// members[(rank-1) mod M]. Same members and partitions always produce the
// same assignment.
func (g *ConsumerGroup) reassign(partitionIDs []uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assignment = make(map[uint32]uint32, len(partitionIDs))
	if len(g.members) == 0 {
		return
	}
	for i, pid := range partitionIDs {
		g.assignment[pid] = g.members[i%len(g.members)]
	}
}

func (g *ConsumerGroup) join(member uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m == member {
			return false
		}
	}
	g.members = append(g.members, member)
	return true
}

func (g *ConsumerGroup) leave(member uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m == member {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return true
		}
	}
	return false
}

// ConsumerGroups returns all groups of the topic.
func (t *Topic) ConsumerGroups() []*ConsumerGroup {
	out := make([]*ConsumerGroup, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g)
	}
	return out
}

// ConsumerGroup resolves a group by identifier.
func (t *Topic) ConsumerGroup(id identifier.Identifier) (*ConsumerGroup, error) {
	switch id.Kind {
	case identifier.Numeric:
		numeric, err := id.ID()
		if err != nil {
			return nil, err
		}
		return t.consumerGroupByID(numeric)
	case identifier.Named:
		name, err := id.Name()
		if err != nil {
			return nil, err
		}
		gid, ok := t.groupNames[NormalizeName(name)]
		if !ok {
			return nil, streamerr.ErrGroupNameNotFound
		}
		return t.consumerGroupByID(gid)
	}
	return nil, streamerr.ErrInvalidIdentifier
}

func (t *Topic) consumerGroupByID(id uint32) (*ConsumerGroup, error) {
	g, ok := t.groups[id]
	if !ok {
		return nil, streamerr.ErrGroupIDNotFound
	}
	return g, nil
}

// CreateConsumerGroup registers a group. A zero id means "next available".
func (t *Topic) CreateConsumerGroup(id uint32, name string) (*ConsumerGroup, error) {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if _, exists := t.groupNames[name]; exists {
		return nil, streamerr.ErrGroupNameAlreadyExists
	}
	if id == 0 {
		for {
			id = t.nextGroupID.Inc()
			if _, taken := t.groups[id]; !taken {
				break
			}
		}
	} else if _, taken := t.groups[id]; taken {
		return nil, streamerr.ErrGroupIDAlreadyExists
	}

	g := &ConsumerGroup{TopicID: t.ID, ID: id, Name: name, assignment: map[uint32]uint32{}}
	t.groups[id] = g
	t.groupNames[name] = id
	if err := t.saveGroup(g); err != nil {
		delete(t.groups, id)
		delete(t.groupNames, name)
		return nil, err
	}
	level.Info(t.logger).Log("msg", "created consumer group", "group", id, "name", name)
	return g, nil
}

// DeleteConsumerGroup unregisters a group and drops its stored offsets on
// every partition.
func (t *Topic) DeleteConsumerGroup(id identifier.Identifier) (*ConsumerGroup, error) {
	g, err := t.ConsumerGroup(id)
	if err != nil {
		return nil, err
	}
	delete(t.groups, g.ID)
	delete(t.groupNames, g.Name)
	if err := os.Remove(t.groupPath(g.ID)); err != nil && !os.IsNotExist(err) {
		return nil, streamerr.Wrap(streamerr.ErrCannotWriteFile, "delete group file (%v)", err)
	}
	for _, p := range t.partitionMap {
		if err := p.DeleteGroupOffset(g.ID); err != nil {
			return nil, err
		}
	}
	level.Info(t.logger).Log("msg", "deleted consumer group", "group", g.ID, "name", g.Name)
	return g, nil
}

// JoinConsumerGroup adds member and rebalances. A failed persist rolls the
// membership back.
func (t *Topic) JoinConsumerGroup(id identifier.Identifier, member uint32) error {
	g, err := t.ConsumerGroup(id)
	if err != nil {
		return err
	}
	if !g.join(member) {
		// already a member; idempotent
		return nil
	}
	g.reassign(t.PartitionIDs())
	if err := t.saveGroup(g); err != nil {
		g.leave(member)
		g.reassign(t.PartitionIDs())
		return err
	}
	return nil
}

// LeaveConsumerGroup removes member and rebalances.
func (t *Topic) LeaveConsumerGroup(id identifier.Identifier, member uint32) error {
	g, err := t.ConsumerGroup(id)
	if err != nil {
		return err
	}
	if !g.leave(member) {
		return streamerr.ErrGroupMemberNotFound
	}
	g.reassign(t.PartitionIDs())
	return t.saveGroup(g)
}

// LeaveAllGroups removes member from every group it joined; used when a
// client disconnects.
func (t *Topic) LeaveAllGroups(member uint32) {
	for _, g := range t.groups {
		if g.leave(member) {
			g.reassign(t.PartitionIDs())
			if err := t.saveGroup(g); err != nil {
				level.Warn(t.logger).Log("msg", "persisting group after member disconnect failed", "group", g.ID, "err", err)
			}
		}
	}
}

func (t *Topic) reassignGroups() {
	ids := t.PartitionIDs()
	for _, g := range t.groups {
		g.reassign(ids)
	}
}

func (t *Topic) groupPath(id uint32) string {
	return filepath.Join(t.path, groupsDir, strconv.FormatUint(uint64(id), 10))
}

// saveGroup writes the group file: name length, name, member count and the
// member ids in join order.
func (t *Topic) saveGroup(g *ConsumerGroup) error {
	g.mu.RLock()
	name := []byte(g.Name)
	b := make([]byte, 0, 1+len(name)+4+4*len(g.members))
	b = append(b, byte(len(name)))
	b = append(b, name...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(g.members)))
	for _, m := range g.members {
		b = binary.LittleEndian.AppendUint32(b, m)
	}
	g.mu.RUnlock()
	return t.persister.Overwrite(t.groupPath(g.ID), b)
}

func (t *Topic) loadGroups() error {
	entries, err := os.ReadDir(filepath.Join(t.path, groupsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return streamerr.Wrap(streamerr.ErrCannotReadMetadata, "read groups directory (%v)", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id64, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		b, err := t.persister.ReadAll(t.groupPath(uint32(id64)))
		if err != nil {
			return streamerr.Wrap(streamerr.ErrCannotReadFile, "read group file %s (%v)", e.Name(), err)
		}
		if len(b) < 1 {
			return streamerr.ErrCannotDeserialize
		}
		nameLen := int(b[0])
		if len(b) < 1+nameLen+4 {
			return streamerr.ErrCannotDeserialize
		}
		name := string(b[1 : 1+nameLen])
		// membership is not restored: members are live sessions and they
		// rejoin after a restart.
		g := &ConsumerGroup{TopicID: t.ID, ID: uint32(id64), Name: name, assignment: map[uint32]uint32{}}
		t.groups[g.ID] = g
		t.groupNames[name] = g.ID
		if uint32(id64) > t.nextGroupID.Load() {
			t.nextGroupID.Store(uint32(id64))
		}
	}
	return nil
}
