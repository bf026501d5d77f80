package handle_test

import (
	"testing"

	"github.com/nmi/l1tf/handle"
	"golang.org/x/sys/unix"
)

func TestOpenClose(t *testing.T) {
	t.Parallel()

	f, err := handle.Open("/dev/null", unix.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	if f.Raw() == 0 {
		t.Error("descriptor for /dev/null is stdin")
	}

	f.Close()
	f.Close() // second close must be a no-op
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()

	if _, err := handle.Open("/dev/does-not-exist", unix.O_RDWR); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()

	f, err := handle.Open("/dev/null", unix.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	fd := f.Release()

	// The transferred descriptor is still live and now ours to close.
	if err := unix.Close(fd); err != nil {
		t.Fatalf("transferred fd dead: %v", err)
	}

	f.Close() // must not double-close the transferred descriptor
}

func TestAnonymousMapping(t *testing.T) {
	t.Parallel()

	m, err := handle.Anonymous(2*4096, "test arena")
	if err != nil {
		t.Fatal(err)
	}

	b := m.Bytes()
	if len(b) != 2*4096 {
		t.Fatalf("have %d bytes, want %d", len(b), 2*4096)
	}

	if m.Addr()%4096 != 0 {
		t.Errorf("mapping base %#x not page aligned", m.Addr())
	}

	for i, c := range b {
		if c != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}

	b[0] = 0xAA
	if m.Bytes()[0] != 0xAA {
		t.Error("write did not stick")
	}

	m.Close()
	m.Close() // second close must be a no-op
}
