package livephoto

import (
	"path/filepath"
	"testing"

	"github.com/vearutop/livephoto/internal/mov"
)

func TestMetadataAdaptor(t *testing.T) {
	w, err := mov.Create(filepath.Join(t.TempDir(), "meta.mov"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Cancel() }()
	w.Timescale = 600

	a, err := newMetadataAdaptor(w, 600, StillImageTimeItem())
	if err != nil {
		t.Fatalf("adaptor: %v", err)
	}
	if err := w.StartSession(); err != nil {
		t.Fatal(err)
	}

	if err := a.AppendTimedMetadataGroup([]MetadataItem{ContentIdentifierItem("X")}, TimeRange{Start: 0, Duration: 1}); err == nil {
		t.Fatal("undeclared key accepted")
	}
	if err := a.AppendTimedMetadataGroup([]MetadataItem{StillImageTimeItem()}, TimeRange{Start: 300, Duration: 20}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.AppendTimedMetadataGroup([]MetadataItem{StillImageTimeItem()}, TimeRange{Start: 100, Duration: 20}); err == nil {
		t.Fatal("out of order group accepted")
	}

	want := []mov.Edit{{SegmentDuration: 300, MediaTime: -1}, {SegmentDuration: 20, MediaTime: 0}}
	if len(a.edits) != len(want) {
		t.Fatalf("edits = %+v", a.edits)
	}
	for i := range want {
		if a.edits[i] != want[i] {
			t.Fatalf("edit %d = %+v, want %+v", i, a.edits[i], want[i])
		}
	}
}

func TestMetadataItems(t *testing.T) {
	id := ContentIdentifierItem("ABC")
	if id.DataType != mov.TypeUTF8 || id.KeySpace != mov.NamespaceMDTA || string(id.Value) != "ABC" {
		t.Fatalf("content identifier item %+v", id)
	}
	st := StillImageTimeItem()
	if st.DataType != mov.TypeInt8 || len(st.Value) != 1 || st.Value[0] != 0 {
		t.Fatalf("still image time item %+v", st)
	}
}
