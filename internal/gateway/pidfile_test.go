package gateway

import (
	"errors"
	"os"
	"testing"
)

func TestPIDFile_WriteReadStatus(t *testing.T) {
	p := NewPIDFile(t.TempDir(), "test")

	if _, err := p.Status(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Status with no record = %v, want ErrNotRunning", err)
	}

	// Record our own pid, which is certainly alive.
	if err := p.Write(os.Getpid()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pid, err := p.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	// A second Write for a live process must refuse.
	if err := p.Write(os.Getpid()); err == nil {
		t.Error("Write clobbered a live pid record")
	}

	if err := p.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := p.Status(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Status after Remove = %v, want ErrNotRunning", err)
	}
}

func TestPIDFile_StaleRecordCleanedUp(t *testing.T) {
	p := NewPIDFile(t.TempDir(), "stale")

	// A pid that cannot be running: max pid is far below this on test hosts.
	if err := os.WriteFile(p.Path(), []byte("4194999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Status(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Status with stale record = %v, want ErrNotRunning", err)
	}
	if _, err := os.Stat(p.Path()); !os.IsNotExist(err) {
		t.Error("stale pid record not removed")
	}
}

func TestPIDFile_MalformedRecord(t *testing.T) {
	p := NewPIDFile(t.TempDir(), "bad")
	if err := os.WriteFile(p.Path(), []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Read(); err == nil {
		t.Error("Read accepted a malformed record")
	}
}
