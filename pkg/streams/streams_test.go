package streams

import "testing"

func TestPlanKindsInEstablishmentOrder(t *testing.T) {
	plan := NewPlan()
	s2c := plan.AddS2C()
	bi0 := plan.AddBi()
	c2s := plan.AddC2S()
	bi1 := plan.AddBi()

	if bi0 != Bi(0) || bi1 != Bi(1) || c2s != C2S(0) || s2c != S2C(0) {
		t.Fatalf("unexpected kinds: %s %s %s %s", bi0, bi1, c2s, s2c)
	}

	want := []Kind{Bi(0), Bi(1), C2S(0), S2C(0)}
	got := plan.Kinds()
	if len(got) != len(want) {
		t.Fatalf("kinds = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPlanIsFixedOnceCopied(t *testing.T) {
	plan := NewPlan()
	plan.AddBi()
	fixed := *plan
	plan.AddBi()

	if fixed.BiCount() != 1 || plan.BiCount() != 2 {
		t.Fatalf("copy changed with builder: %d / %d", fixed.BiCount(), plan.BiCount())
	}
	if fixed.Contains(Bi(1)) {
		t.Fatalf("copied plan should not contain bi(1)")
	}
}

func TestPlanContains(t *testing.T) {
	plan := NewPlan()
	plan.AddBi()
	plan.AddC2S()

	tests := []struct {
		kind Kind
		want bool
	}{
		{Datagram(), true},
		{Bi(0), true},
		{Bi(1), false},
		{C2S(0), true},
		{S2C(0), false},
		{Kind{Direction: Direction(9)}, false},
	}
	for _, tt := range tests {
		if got := plan.Contains(tt.kind); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKindIdentityIncludesDirection(t *testing.T) {
	if Bi(0) == C2S(0) || C2S(0) == S2C(0) {
		t.Fatalf("kinds with equal ids collided")
	}
	if Bi(3).String() != "bi(3)" || Datagram().String() != "datagram" {
		t.Fatalf("unexpected strings %q %q", Bi(3), Datagram())
	}
	if C2S(0).Sendable() || S2C(0).Readable() {
		t.Fatalf("direction capabilities are wrong")
	}
}

func TestDefaultSend(t *testing.T) {
	empty := NewPlan()
	if empty.DefaultSend() != Datagram() {
		t.Fatalf("empty plan default = %s", empty.DefaultSend())
	}
	s2cOnly := NewPlan()
	s2cOnly.AddC2S()
	s2cOnly.AddS2C()
	if s2cOnly.DefaultSend() != S2C(0) {
		t.Fatalf("s2c plan default = %s", s2cOnly.DefaultSend())
	}
	bi := NewPlan()
	bi.AddS2C()
	bi.AddBi()
	if bi.DefaultSend() != Bi(0) {
		t.Fatalf("bi plan default = %s", bi.DefaultSend())
	}
}
