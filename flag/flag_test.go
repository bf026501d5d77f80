package flag_test

import (
	"testing"

	"github.com/alecthomas/kong"

	"github.com/nmi/l1tf/flag"
)

func TestParseNum(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0xffff888000000000", 0xffff888000000000, false},
		{"4096", 4096, false},
		{"0o17", 0o17, false},
		{"", 0, true},
		{"bogus", 0, true},
		{"-1", 0, true},
	} {
		got, err := flag.ParseNum(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseNum(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)

			continue
		}

		if got != tt.want {
			t.Errorf("ParseNum(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

func TestParseLeakArgs(t *testing.T) {
	t.Parallel()

	c := flag.CLI{}

	parser, err := kong.New(&c)
	if err != nil {
		t.Fatal(err)
	}

	args := []string{
		"leak",
		"--dev", "/dev/kvm-test",
		"0xffff888000000000",
		"0x1000",
		"1",
		"0",
	}

	if _, err := parser.Parse(args); err != nil {
		t.Fatal(err)
	}

	if c.Leak.Dev != "/dev/kvm-test" {
		t.Error("invalid kvm path")
	}

	if c.Leak.PageOffsetBase != "0xffff888000000000" {
		t.Error("invalid page offset base")
	}

	if c.Leak.PhysAddr != "0x1000" {
		t.Error("invalid physical address")
	}

	if c.Leak.PrimeCPU != 1 || c.Leak.VictimCPU != 0 {
		t.Error("invalid cpu pair")
	}

	if c.Leak.Size != "256" {
		t.Error("invalid default size")
	}
}

func TestParseTimerDefaults(t *testing.T) {
	t.Parallel()

	c := flag.CLI{}

	parser, err := kong.New(&c)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"timer"}); err != nil {
		t.Fatal(err)
	}

	if c.Timer.First.Milliseconds() != 1 || c.Timer.Second.Milliseconds() != 2 {
		t.Errorf("have %v and %v, want 1ms and 2ms", c.Timer.First, c.Timer.Second)
	}
}
