package capability

import "testing"

func TestRequirement_Validate(t *testing.T) {
	tests := []struct {
		name string
		req  Requirement
		ok   bool
	}{
		{"selector", Selector("zone=us-east"), true},
		{"empty selector", Requirement{Kind: KindSelector}, false},
		{"reachability", Reachability("db.internal", 5432), true},
		{"bad port", Reachability("db.internal", 0), false},
		{"missing host", Requirement{Kind: KindReachability, Port: 443}, false},
		{"unknown kind", Requirement{Kind: "gpu"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestRequirement_Key(t *testing.T) {
	if got := Selector("linux").Key(); got != "selector:linux" {
		t.Errorf("selector key = %q", got)
	}
	if got := Reachability("host", 22).Key(); got != "reach:host:22" {
		t.Errorf("reachability key = %q", got)
	}
}

func TestDefaultChecker(t *testing.T) {
	p := Profile{
		Selectors: []string{"zone=us-east", "linux"},
		ProbeResults: map[string]bool{
			"reach:db.internal:5432": true,
			"reach:api.internal:443": false,
		},
	}
	var c DefaultChecker

	ok, err := c.Check(Selector("linux"), p)
	if err != nil || !ok {
		t.Errorf("selector present: ok=%v err=%v", ok, err)
	}

	ok, err = c.Check(Selector("windows"), p)
	if err != nil || ok {
		t.Errorf("selector absent: ok=%v err=%v", ok, err)
	}

	ok, err = c.Check(Reachability("db.internal", 5432), p)
	if err != nil || !ok {
		t.Errorf("probe succeeded: ok=%v err=%v", ok, err)
	}

	ok, _ = c.Check(Reachability("api.internal", 443), p)
	if ok {
		t.Error("probe failed but Check said satisfied")
	}

	// No reported result counts as an evaluation error, never a panic
	// and never a silent pass.
	ok, err = c.Check(Reachability("unknown", 80), p)
	if ok || err == nil {
		t.Errorf("unknown probe: ok=%v err=%v, want false with error", ok, err)
	}
}

func TestProfile_Clone(t *testing.T) {
	p := Profile{
		Selectors:    []string{"a"},
		ProbeResults: map[string]bool{"reach:h:1": true},
	}
	c := p.Clone()
	c.Selectors[0] = "b"
	c.ProbeResults["reach:h:1"] = false

	if p.Selectors[0] != "a" || !p.ProbeResults["reach:h:1"] {
		t.Error("Clone did not deep copy")
	}
}
