package filecache

import (
	"path/filepath"
	"testing"
)

func TestSeenRememberRoundTrip(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if c.Seen(1, "a.txt", 100, 1000, 0) {
		t.Fatal("Seen should be false before Remember")
	}

	c.Remember(1, "a.txt", 100, 1000, 0)

	if !c.Seen(1, "a.txt", 100, 1000, 0) {
		t.Error("Seen should be true after Remember with matching size/mtime")
	}
	if c.Seen(1, "a.txt", 200, 1000, 0) {
		t.Error("Seen should be false when size differs")
	}
	if c.Seen(2, "a.txt", 100, 1000, 0) {
		t.Error("Seen should be false for a different peer node")
	}
}

func TestSeenDistinguishesCRCMismatch(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	c.Remember(1, "a.txt", 100, 1000, 0xDEADBEEF)
	if c.Seen(1, "a.txt", 100, 1000, 0xCAFEBABE) {
		t.Error("Seen should be false when both sides have a nonzero, mismatched crc")
	}
	if !c.Seen(1, "a.txt", 100, 1000, 0) {
		t.Error("Seen should still be true when the lookup omits crc")
	}
}
