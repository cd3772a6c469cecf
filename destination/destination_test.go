package destination

import (
	"testing"

	"github.com/hexmesh/reticulum-go/core/identity"
)

func TestNewSingleInputDestinationDerivesAddress(t *testing.T) {
	priv, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	d := NewSingleInputDestination(priv, "app.aspect")

	want := identity.DestinationAddressHash("app.aspect", &priv.Identity)
	if d.Desc.AddressHash != want {
		t.Fatalf("AddressHash = %s, want %s", d.Desc.AddressHash, want)
	}
}

func TestRegistryInputRoundTrip(t *testing.T) {
	r := NewRegistry()
	priv, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	d := NewSingleInputDestination(priv, "a.b")
	r.AddInput(d)

	got, ok := r.Input(d.Desc.AddressHash)
	if !ok || got != d {
		t.Fatal("Input did not return the registered destination")
	}
}

func TestUpsertOutputReportsNewOnlyOnce(t *testing.T) {
	r := NewRegistry()
	priv, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	addr := identity.DestinationAddressHash("learned.dest", &priv.Identity)
	d := NewSingleOutputDestination(addr, priv.Identity, "learned.dest", []byte("v1"))

	if isNew := r.UpsertOutput(d); !isNew {
		t.Fatal("first UpsertOutput should report isNew=true")
	}

	d2 := NewSingleOutputDestination(addr, priv.Identity, "learned.dest", []byte("v2"))
	if isNew := r.UpsertOutput(d2); isNew {
		t.Fatal("re-announcing the same destination should report isNew=false")
	}

	if r.OutputCount() != 1 {
		t.Fatalf("OutputCount() = %d, want 1 (re-announce should not grow the map)", r.OutputCount())
	}

	got, ok := r.Output(addr)
	if !ok || string(got.AppData) != "v2" {
		t.Fatal("expected the re-announce to refresh the stored AppData")
	}
}
