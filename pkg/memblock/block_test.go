package memblock

import "testing"

func TestNewBlockIsUntaggedAndIdle(t *testing.T) {
	b := New(1, 0, 4096)
	if b.Tagged() {
		t.Fatal("fresh block should be untagged")
	}
	if !b.Link().Idle() {
		t.Fatal("fresh block should be idle (neither free nor busy)")
	}
	if b.RefCount() != 0 {
		t.Fatalf("fresh block refcount = %d, want 0", b.RefCount())
	}
}

func TestBusyAndFreeAreMutuallyExclusive(t *testing.T) {
	b := New(1, 0, 4096)
	b.SetBusy(TransferID(7))
	if !b.Busy() {
		t.Fatal("expected block to be busy")
	}
	if b.Link().Free() {
		t.Fatal("a busy block must not also report free")
	}
	if got := b.Link().Transfer(); got != TransferID(7) {
		t.Fatalf("Transfer() = %d, want 7", got)
	}

	b.SetIdle()
	if b.Busy() {
		t.Fatal("SetIdle should clear busy state")
	}
}

func TestTagUntagRoundTrip(t *testing.T) {
	b := New(1, 0, 4096)
	b.Tag(42, 1024, 2048)
	if !b.Tagged() {
		t.Fatal("expected block to be tagged")
	}
	if b.FileID != 42 || b.Position != 1024 || b.AvailableSize != 2048 {
		t.Fatalf("unexpected tag state: %+v", b)
	}

	b.Untag()
	if b.Tagged() {
		t.Fatal("expected block to be untagged")
	}
	if b.FileID != InvalidFileID {
		t.Fatalf("Untag should reset FileID to sentinel, got %d", b.FileID)
	}
}

func TestRefCountBalance(t *testing.T) {
	b := New(1, 0, 4096)
	b.SetRefCount(1)
	if got := b.Ref(); got != 2 {
		t.Fatalf("Ref() = %d, want 2", got)
	}
	if got := b.Unref(); got != 1 {
		t.Fatalf("Unref() = %d, want 1", got)
	}
	if got := b.Unref(); got != 0 {
		t.Fatalf("Unref() = %d, want 0", got)
	}
}

func TestViewAttachHoldsOneRef(t *testing.T) {
	b := New(1, 0, 4096)
	b.Tag(1, 0, 4096)
	b.SetRefCount(1) // ref a caller (e.g. iomem.Manager) already established

	v := Attach(b, 0, 100, Ready)
	if b.RefCount() != 1 {
		t.Fatalf("Attach must not take an additional ref, got %d", b.RefCount())
	}
	if v.Start() != 0 || v.End() != 100 {
		t.Fatalf("unexpected view range: start=%d end=%d", v.Start(), v.End())
	}

	n := v.Release()
	if n != 0 {
		t.Fatalf("Release() = %d, want 0", n)
	}
	if v.Block != nil {
		t.Fatal("Release should clear the view's block pointer")
	}
}

func TestViewStartEndReflectBlockPosition(t *testing.T) {
	b := New(1, 0, 4096)
	b.Tag(5, 2048, 4096)
	v := Attach(b, 512, 256, Ready)
	if got := v.Start(); got != 2048+512 {
		t.Fatalf("Start() = %d, want %d", got, 2048+512)
	}
	if got := v.End(); got != 2048+512+256 {
		t.Fatalf("End() = %d, want %d", got, 2048+512+256)
	}
}

func TestObserverChaining(t *testing.T) {
	b := New(1, 0, 4096)
	b.SetRefCount(1)
	v1 := Attach(b, 0, 10, Pending)
	v2 := Attach(b, 10, 10, Pending)

	v1.SetObserverNext(v2)
	if v1.ObserverNext() != v2 {
		t.Fatal("observer chain not linked")
	}
	if v2.ObserverNext() != nil {
		t.Fatal("tail observer should have nil next")
	}
}
