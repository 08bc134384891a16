package replica

import (
	"testing"

	"github.com/dssys/summerset-go/pkg/wire"
)

func TestRoleString(t *testing.T) {
	cases := map[Role]string{
		RoleFollower:  "follower",
		RoleCandidate: "candidate",
		RoleLeader:    "leader",
		Role(99):      "unknown",
	}
	for role, want := range cases {
		if got := role.String(); got != want {
			t.Fatalf("Role(%d).String() = %q, want %q", role, got, want)
		}
	}
}

func TestCmdKindLabel(t *testing.T) {
	if got := cmdKindLabel(wire.CmdPut); got != "put" {
		t.Fatalf("cmdKindLabel(CmdPut) = %q, want put", got)
	}
	if got := cmdKindLabel(wire.CmdGet); got != "get" {
		t.Fatalf("cmdKindLabel(CmdGet) = %q, want get", got)
	}
}

func TestNewInstanceStartsEmptyWithFreshBitmap(t *testing.T) {
	inst := newInstance(5)
	if inst.Status != StatusEmpty {
		t.Fatalf("Status = %v, want StatusEmpty", inst.Status)
	}
	if inst.AckFrom.Count() != 0 {
		t.Fatalf("AckFrom.Count() = %d, want 0", inst.AckFrom.Count())
	}
	if inst.AckFrom.Full() {
		t.Fatalf("fresh instance's bitmap reports Full()")
	}
}
