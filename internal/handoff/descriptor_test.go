package handoff

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDescriptorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "panel.yaml")
	want := Descriptor{
		Name:            "VideoSwapChainPanel",
		ConsumerPID:     4242,
		ControlEndpoint: "/tmp/mswinrtvid.sock",
		ControlKey:      "00112233",
	}
	if err := WriteDescriptor(path, want); err != nil {
		t.Fatalf("WriteDescriptor: %v", err)
	}
	got, err := ReadDescriptor(path)
	if err != nil {
		t.Fatalf("ReadDescriptor: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "consumer_pid: 4242") {
		t.Fatalf("unexpected yaml:\n%s", raw)
	}
}

func TestDescriptorValidation(t *testing.T) {
	dir := t.TempDir()
	if err := WriteDescriptor(filepath.Join(dir, "a.yaml"), Descriptor{ConsumerPID: 1}); err == nil {
		t.Fatal("descriptor without a name accepted")
	}

	path := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(path, []byte("name: panel\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadDescriptor(path); err == nil {
		t.Fatal("descriptor without a consumer pid accepted")
	}

	if err := os.WriteFile(path, []byte("name: [unterminated\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadDescriptor(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestConsumerDescriptor(t *testing.T) {
	k := NewLoopback()
	ui := k.NewProcess()
	c, err := NewConsumer(ui, "panel", newRecordingSink(), &inlineDispatcher{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	d := c.Descriptor()
	if d.Name != "panel" || d.ConsumerPID != ui.ProcessID() {
		t.Fatalf("Descriptor = %+v", d)
	}
}
