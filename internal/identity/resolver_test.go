package identity

import (
	"fmt"
	"testing"
)

func TestResolveDeterministic(t *testing.T) {
	pairs := []struct{ address, tenant string }{
		{"5511999990000@s.whatsapp.net", "acme"},
		{"5511999990000@s.whatsapp.net", "globex"},
		{"120363041234567890@g.us", "acme"},
		{"", ""},
	}
	for _, p := range pairs {
		a := Resolve(p.address, p.tenant)
		b := Resolve(p.address, p.tenant)
		if a != b {
			t.Errorf("Resolve(%q, %q) not deterministic: %q != %q", p.address, p.tenant, a, b)
		}
		if len(a) != HandleLength {
			t.Errorf("Resolve(%q, %q) length = %d, want %d", p.address, p.tenant, len(a), HandleLength)
		}
	}
}

func TestResolveAlphanumeric(t *testing.T) {
	h := Resolve("5511999990000@s.whatsapp.net", "acme")
	for i, c := range h {
		isAlnum := (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
		if !isAlnum {
			t.Errorf("handle[%d] = %q, want alphanumeric", i, c)
		}
	}
}

func TestResolveTenantScoped(t *testing.T) {
	addr := "5511999990000@s.whatsapp.net"
	if Resolve(addr, "acme") == Resolve(addr, "globex") {
		t.Error("same address under different tenants must yield different handles")
	}
}

// TestResolveDistinctness samples a large input space and requires zero
// collisions. Not a proof, but a regression net over the digest mapping.
func TestResolveDistinctness(t *testing.T) {
	seen := make(map[string]string, 20000)
	for tenant := 0; tenant < 20; tenant++ {
		for n := 0; n < 1000; n++ {
			addr := fmt.Sprintf("55119999%05d@s.whatsapp.net", n)
			key := fmt.Sprintf("tenant-%d", tenant)
			h := Resolve(addr, key)
			if prev, dup := seen[h]; dup {
				t.Fatalf("collision: %s/%s and %s both map to %s", addr, key, prev, h)
			}
			seen[h] = addr + "/" + key
		}
	}
}
