package identity

import "testing"

// fakeResolver is the kind of test double the injected Resolver
// interface exists to allow: callers depending on identity.Resolver
// never need a real network interface to be present.
type fakeResolver struct {
	ip  string
	err error
}

func (f fakeResolver) LocalIP(string) (string, error) {
	return f.ip, f.err
}

func TestResolverInterfaceIsSatisfiedByFakes(t *testing.T) {
	var r Resolver = fakeResolver{ip: "10.0.0.5"}

	ip, err := r.LocalIP("eth0")
	if err != nil {
		t.Fatalf("LocalIP() error: %v", err)
	}
	if ip != "10.0.0.5" {
		t.Errorf("LocalIP() = %q, want %q", ip, "10.0.0.5")
	}
}

func TestNetResolverRejectsUnknownInterface(t *testing.T) {
	var r Resolver = NetResolver{}

	if _, err := r.LocalIP("does-not-exist-0"); err == nil {
		t.Errorf("LocalIP() on a nonexistent interface should error")
	}
}
