package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/jxucoder/TeleVPS/pkg/engine/enginetest"
	"github.com/jxucoder/TeleVPS/pkg/model"
	"github.com/jxucoder/TeleVPS/pkg/procrun"
)

func ownerLabels(id, tag string) map[string]string {
	return map[string]string{model.LabelOwnerID: id, model.LabelOwnerTag: tag}
}

func TestList_ReadsOwnershipFromLabels(t *testing.T) {
	eng := enginetest.NewFake()
	eng.Add(enginetest.Container{Name: "vps_42_abcde", Image: "img", Status: "Up 3 hours", Labels: ownerLabels("42", "alice#0001")})
	eng.Add(enginetest.Container{Name: "vps_7_fffff", Image: "img", Status: "Exited (0) 2 days ago", Labels: ownerLabels("7", "bob")})

	for _, batch := range []bool{true, false} {
		vpses, err := New(eng, WithBatch(batch)).List(context.Background())
		if err != nil {
			t.Fatalf("batch=%v: List: %v", batch, err)
		}
		if len(vpses) != 2 {
			t.Fatalf("batch=%v: expected 2 records, got %d", batch, len(vpses))
		}
		if vpses[0].Name != "vps_42_abcde" || vpses[0].OwnerID != 42 || vpses[0].OwnerTag != "alice#0001" {
			t.Fatalf("batch=%v: unexpected first record: %+v", batch, vpses[0])
		}
		if vpses[1].Status != "Exited (0) 2 days ago" || vpses[1].OwnerID != 7 {
			t.Fatalf("batch=%v: unexpected second record: %+v", batch, vpses[1])
		}
	}
}

func TestList_BatchUsesSingleInspect(t *testing.T) {
	eng := enginetest.NewFake()
	for i := 0; i < 5; i++ {
		eng.Add(enginetest.Container{Image: "img", Labels: ownerLabels("1", "a")})
	}

	if _, err := New(eng).List(context.Background()); err != nil {
		t.Fatalf("List: %v", err)
	}
	if n := eng.CallCount("inspect"); n != 1 {
		t.Fatalf("expected 1 inspect call in batch mode, got %d", n)
	}

	eng2 := enginetest.NewFake()
	for i := 0; i < 5; i++ {
		eng2.Add(enginetest.Container{Image: "img", Labels: ownerLabels("1", "a")})
	}
	if _, err := New(eng2, WithBatch(false)).List(context.Background()); err != nil {
		t.Fatalf("List: %v", err)
	}
	if n := eng2.CallCount("inspect"); n != 5 {
		t.Fatalf("expected 5 inspect calls in per-container mode, got %d", n)
	}
}

func TestList_UnsetOwnerDefaultsToUnknown(t *testing.T) {
	eng := enginetest.NewFake()
	eng.Add(enginetest.Container{Name: "other", Image: "nginx"})

	vpses, err := New(eng).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(vpses) != 1 {
		t.Fatalf("expected 1 record, got %d", len(vpses))
	}
	if vpses[0].OwnerID != 0 {
		t.Fatalf("OwnerID = %d, want 0", vpses[0].OwnerID)
	}
	if vpses[0].OwnerTag != model.UnknownOwnerTag {
		t.Fatalf("OwnerTag = %q, want %q", vpses[0].OwnerTag, model.UnknownOwnerTag)
	}
	if vpses[0].Owner().Known() {
		t.Fatal("owner with ID 0 must not be a known identity")
	}
}

func TestList_SkipsMalformedEntries(t *testing.T) {
	eng := enginetest.NewFake()
	good := eng.Add(enginetest.Container{Name: "good", Image: "img", Labels: ownerLabels("42", "alice")})
	badJSON := eng.Add(enginetest.Container{Name: "bad-json", Image: "img"})
	badID := eng.Add(enginetest.Container{Name: "bad-id", Image: "img", Labels: ownerLabels("not-a-number", "x")})
	also := eng.Add(enginetest.Container{Name: "also-good", Image: "img", Labels: ownerLabels("9", "carol")})
	eng.InspectOverride[badJSON.ID] = "{not json"

	list := good.ID + ";;img;;good;;Up\n" +
		"garbage line without separators\n" +
		badJSON.ID + ";;img;;bad-json;;Up\n" +
		badID.ID + ";;img;;bad-id;;Up\n" +
		"\n" +
		"ghost;;img;;ghost;;Up\n" +
		also.ID + ";;img;;also-good;;Up\n"
	eng.ListOutput = &list

	vpses, err := New(eng).List(context.Background())
	if err != nil {
		t.Fatalf("List must not fail on malformed entries: %v", err)
	}
	if len(vpses) != 2 {
		t.Fatalf("expected 2 well-formed records, got %d: %+v", len(vpses), vpses)
	}
	if vpses[0].Name != "good" || vpses[1].Name != "also-good" {
		t.Fatalf("unexpected records: %+v", vpses)
	}
}

func TestList_EngineFailure(t *testing.T) {
	eng := enginetest.NewFake()
	eng.Fail["ps"] = procrun.Result{ExitCode: 1, Stderr: "Cannot connect to the Docker daemon"}

	_, err := New(eng).List(context.Background())
	if !errors.Is(err, model.ErrOperationFailed) {
		t.Fatalf("expected ErrOperationFailed, got %v", err)
	}
	var opErr *model.OperationError
	if !errors.As(err, &opErr) || opErr.Stderr != "Cannot connect to the Docker daemon" {
		t.Fatalf("expected engine stderr to be preserved, got %v", err)
	}
}

func TestListOwned(t *testing.T) {
	eng := enginetest.NewFake()
	eng.Add(enginetest.Container{Name: "a", Labels: ownerLabels("1", "one")})
	eng.Add(enginetest.Container{Name: "b", Labels: ownerLabels("2", "two")})
	eng.Add(enginetest.Container{Name: "c", Labels: ownerLabels("1", "one")})
	eng.Add(enginetest.Container{Name: "unowned"})

	owned, err := New(eng).ListOwned(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListOwned: %v", err)
	}
	if len(owned) != 2 || owned[0].Name != "a" || owned[1].Name != "c" {
		t.Fatalf("unexpected owned list: %+v", owned)
	}

	none, err := New(eng).ListOwned(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListOwned(0): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("owner 0 must never match, got %+v", none)
	}
}
