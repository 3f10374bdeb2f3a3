package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waltznetworks/copycat/raftpb"
)

func threeMembers() []raftpb.Member {
	return []raftpb.Member{
		{ID: "a", Type: raftpb.MemberActive},
		{ID: "b", Type: raftpb.MemberActive},
		{ID: "c", Type: raftpb.MemberActive},
	}
}

func TestQuorumOfThreeIsTwo(t *testing.T) {
	s := New("a", threeMembers())
	require.Equal(t, 2, s.Quorum())
}

func TestQuorumIgnoresPromotableMembers(t *testing.T) {
	members := threeMembers()
	members = append(members, raftpb.Member{ID: "d", Type: raftpb.MemberPromotable})
	s := New("a", members)
	require.Equal(t, 2, s.Quorum())
}

func TestConfigureReplacesMembershipImmediately(t *testing.T) {
	s := New("a", threeMembers())
	s.Configure(raftpb.Configuration{Index: 5, Members: []raftpb.Member{{ID: "a", Type: raftpb.MemberActive}}})
	require.Equal(t, 1, s.Quorum())
	require.Len(t, s.Members(), 1)
}

func TestMemberLookup(t *testing.T) {
	s := New("a", threeMembers())
	m, ok := s.Member("b")
	require.True(t, ok)
	require.Equal(t, raftpb.MemberId("b"), m.ID)

	_, ok = s.Member("z")
	require.False(t, ok)
}
