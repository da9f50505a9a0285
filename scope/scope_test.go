package scope

import "testing"

func TestCanonical(t *testing.T) {
	a := Scope{"accountId": "acc1", "orgId": "org1", "projectId": "p1"}
	b := Scope{"projectId": "p1", "accountId": "acc1", "orgId": "org1"}

	if a.Canonical() != b.Canonical() {
		t.Errorf("canonical forms differ: %q vs %q", a.Canonical(), b.Canonical())
	}
	if a.Canonical() != "accountId=acc1;orgId=org1;projectId=p1" {
		t.Errorf("unexpected canonical form %q", a.Canonical())
	}
	if (Scope{}).Canonical() != "" {
		t.Error("empty scope should canonicalize to empty string")
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		name     string
		task     Scope
		delegate Scope
		want     bool
	}{
		{
			name:     "exact match",
			task:     Scope{"accountId": "a"},
			delegate: Scope{"accountId": "a"},
			want:     true,
		},
		{
			name:     "narrower delegate serves broader task",
			task:     Scope{"accountId": "a"},
			delegate: Scope{"accountId": "a", "projectId": "p"},
			want:     true,
		},
		{
			name:     "broader delegate rejected for narrower task",
			task:     Scope{"accountId": "a", "projectId": "p"},
			delegate: Scope{"accountId": "a"},
			want:     false,
		},
		{
			name:     "value mismatch rejected",
			task:     Scope{"accountId": "a"},
			delegate: Scope{"accountId": "b"},
			want:     false,
		},
		{
			name:     "empty task scope matches anything",
			task:     Scope{},
			delegate: Scope{"accountId": "a"},
			want:     true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Compatible(tc.task, tc.delegate); got != tc.want {
				t.Errorf("Compatible(%v, %v) = %v, want %v", tc.task, tc.delegate, got, tc.want)
			}
		})
	}
}

func TestCloneAndEqual(t *testing.T) {
	orig := Scope{"accountId": "a", "orgId": "o"}
	clone := orig.Clone()

	if !orig.Equal(clone) {
		t.Error("clone should equal original")
	}

	clone["orgId"] = "changed"
	if orig["orgId"] != "o" {
		t.Error("mutating the clone affected the original")
	}
	if orig.Equal(clone) {
		t.Error("scopes with different values should not be equal")
	}
	if orig.Equal(Scope{"accountId": "a"}) {
		t.Error("scopes with different key counts should not be equal")
	}
}
