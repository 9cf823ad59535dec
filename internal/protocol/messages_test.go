package protocol

import (
	"testing"
)

func TestNewAuthOK(t *testing.T) {
	got := NewAuthOK("c1", ServerModeCLI, "1.0.0", "/home/dev", []string{"c1"})
	if got.Type != TypeAuthOK {
		t.Fatalf("type = %q, want %q", got.Type, TypeAuthOK)
	}
	if got.ProtocolVersion != ProtocolVersion {
		t.Fatalf("protocolVersion = %d, want %d", got.ProtocolVersion, ProtocolVersion)
	}
}

func TestNewPrimaryChangedNilClears(t *testing.T) {
	got := NewPrimaryChanged("s1", nil)
	if got.ClientID != nil {
		t.Fatalf("expected nil clientId, got %v", *got.ClientID)
	}
}

func TestInboundUnmarshalIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"input","data":"hello","bogus":123}`)
	var in Inbound
	if err := JSON.Unmarshal(raw, &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if in.Type != TypeInput || in.Data != "hello" {
		t.Fatalf("unexpected decode: %+v", in)
	}
}

func TestInboundMissingTypeIsZeroValue(t *testing.T) {
	raw := []byte(`{"data":"hello"}`)
	var in Inbound
	if err := JSON.Unmarshal(raw, &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if in.Type != "" {
		t.Fatalf("expected empty type, got %q", in.Type)
	}
}
