package processes

import (
	"errors"
	"net"
	"testing"

	"pgregory.net/rapid"
)

func TestNewPortManagerValidatesRange(t *testing.T) {
	invalid := [][2]int{{0, 100}, {100, 100}, {200, 100}, {1, 70000}, {-5, 10}}
	for _, r := range invalid {
		if _, err := NewPortManager(r[0], r[1]); err == nil {
			t.Errorf("NewPortManager(%d, %d) returned nil error", r[0], r[1])
		}
	}

	pm, err := NewPortManager(42100, 42110)
	if err != nil {
		t.Fatalf("NewPortManager returned error: %v", err)
	}
	if start, end := pm.Range(); start != 42100 || end != 42110 {
		t.Errorf("Range() = [%d, %d), want [42100, 42110)", start, end)
	}
}

func TestAllocatePortSequential(t *testing.T) {
	pm, err := NewPortManager(42100, 42103)
	if err != nil {
		t.Fatal(err)
	}

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		port, err := pm.AllocatePort()
		if err != nil {
			// Another process on the host may hold a port in this range.
			t.Skipf("port unavailable on this host: %v", err)
		}
		if port < 42100 || port >= 42103 {
			t.Fatalf("AllocatePort() = %d, outside [42100, 42103)", port)
		}
		if seen[port] {
			t.Fatalf("AllocatePort() returned %d twice", port)
		}
		seen[port] = true
		if !pm.IsAllocated(port) {
			t.Errorf("IsAllocated(%d) = false after allocation", port)
		}
	}

	_, err = pm.AllocatePort()
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Fatalf("AllocatePort() on exhausted range error = %v, want ErrNoPortAvailable", err)
	}

	pm.ReleasePort(42101)
	port, err := pm.AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort() after release: %v", err)
	}
	if port != 42101 {
		t.Errorf("AllocatePort() after release = %d, want 42101", port)
	}
}

func TestAllocatePortSkipsBoundPorts(t *testing.T) {
	l, err := net.Listen("tcp", ":42110")
	if err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer l.Close()

	pm, err := NewPortManager(42110, 42112)
	if err != nil {
		t.Fatal(err)
	}
	port, err := pm.AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort() error: %v", err)
	}
	if port != 42111 {
		t.Errorf("AllocatePort() = %d, want 42111 (42110 is bound)", port)
	}
}

func TestReleasePortOutsideRangeIsIgnored(t *testing.T) {
	pm, err := NewPortManager(42120, 42121)
	if err != nil {
		t.Fatal(err)
	}
	pm.ReleasePort(1)
	pm.ReleasePort(42121)
	if pm.IsAllocated(42120) {
		t.Error("port reported allocated before any allocation")
	}
}

func TestAllocatePortProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := rapid.IntRange(42130, 42180).Draw(t, "start")
		size := rapid.IntRange(1, 8).Draw(t, "size")
		pm, err := NewPortManager(start, start+size)
		if err != nil {
			t.Fatal(err)
		}

		held := map[int]bool{}
		ops := rapid.SliceOfN(rapid.Bool(), 1, 30).Draw(t, "ops")
		for i, allocate := range ops {
			if allocate || len(held) == 0 {
				port, err := pm.AllocatePort()
				if err != nil {
					if !errors.Is(err, ErrNoPortAvailable) {
						t.Fatalf("op %d: unexpected error %v", i, err)
					}
					continue
				}
				if port < start || port >= start+size {
					t.Fatalf("op %d: port %d outside [%d, %d)", i, port, start, start+size)
				}
				if held[port] {
					t.Fatalf("op %d: port %d handed out while still held", i, port)
				}
				held[port] = true
				continue
			}
			var victim int
			for p := range held {
				victim = p
				break
			}
			pm.ReleasePort(victim)
			delete(held, victim)
			if pm.IsAllocated(victim) {
				t.Fatalf("op %d: port %d still allocated after release", i, victim)
			}
		}
	})
}
