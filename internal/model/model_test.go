package model

import "testing"

func validDoc() *PoolDocument {
	return &PoolDocument{
		SchemaVersion: PoolSchemaVersion,
		Domain:        DomainSAM,
		Unassigned: []Task{
			{VideoPath: "videos/sam/v1.mp4", OutputRef: "annotations/sam/v1.npz", Origin: OriginFresh},
			{VideoPath: "videos/sam/v2.mp4", OutputRef: "annotations/sam/v2.npz", Origin: OriginFresh},
		},
		Assigned: []Assignment{
			{Task: Task{VideoPath: "videos/sam/v3.mp4", OutputRef: "annotations/sam/v3.npz", Origin: OriginFresh}, User: "alice"},
		},
	}
}

func TestPoolDocument_ValidateOK(t *testing.T) {
	if err := validDoc().Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestPoolDocument_ValidateRejectsOverlap(t *testing.T) {
	doc := validDoc()
	doc.Assigned = append(doc.Assigned, Assignment{
		Task: Task{VideoPath: "videos/sam/v1.mp4", OutputRef: "annotations/sam/v1.npz"},
		User: "bob",
	})
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for video present in both pools")
	}
}

func TestPoolDocument_ValidateRejectsDuplicateWithinPool(t *testing.T) {
	doc := validDoc()
	doc.Unassigned = append(doc.Unassigned, doc.Unassigned[0])
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for duplicate unassigned entry")
	}
}

func TestPoolDocument_ValidateRejectsEmptyOutputRef(t *testing.T) {
	doc := validDoc()
	doc.Unassigned[0].OutputRef = ""
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for empty output_ref")
	}
}

func TestPoolDocument_ValidateRejectsEmptyUser(t *testing.T) {
	doc := validDoc()
	doc.Assigned[0].User = ""
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for empty assigned user")
	}
}

func TestPoolDocument_RemoveUnassignedPreservesOrder(t *testing.T) {
	doc := validDoc()
	removed := doc.RemoveUnassigned("videos/sam/v1.mp4")
	if removed == nil || removed.VideoPath != "videos/sam/v1.mp4" {
		t.Fatalf("RemoveUnassigned returned %v", removed)
	}
	if len(doc.Unassigned) != 1 || doc.Unassigned[0].VideoPath != "videos/sam/v2.mp4" {
		t.Errorf("remaining unassigned: %v", doc.Unassigned)
	}
	if doc.RemoveUnassigned("videos/sam/does-not-exist.mp4") != nil {
		t.Error("expected nil for absent key")
	}
}

func TestPoolDocument_FindAndRemoveAssigned(t *testing.T) {
	doc := validDoc()
	if a := doc.FindAssigned("videos/sam/v3.mp4"); a == nil || a.User != "alice" {
		t.Fatalf("FindAssigned returned %v", a)
	}
	if a := doc.FindAssigned("videos/sam/v1.mp4"); a != nil {
		t.Fatalf("FindAssigned for unassigned key returned %v", a)
	}

	removed := doc.RemoveAssigned("videos/sam/v3.mp4")
	if removed == nil || removed.User != "alice" {
		t.Fatalf("RemoveAssigned returned %v", removed)
	}
	if len(doc.Assigned) != 0 {
		t.Errorf("assigned pool not empty after removal: %v", doc.Assigned)
	}
}

func TestParseDomain(t *testing.T) {
	for _, s := range []string{"sam", "lang"} {
		if _, err := ParseDomain(s); err != nil {
			t.Errorf("ParseDomain(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseDomain("audio"); err == nil {
		t.Error("expected error for unknown domain")
	}
	if _, err := ParseDomain(""); err == nil {
		t.Error("expected error for empty domain")
	}
}

func TestParseNavMode(t *testing.T) {
	if mode, err := ParseNavMode("next"); err != nil || mode != NavAdvance {
		t.Errorf("ParseNavMode(next): got %v, %v", mode, err)
	}
	if mode, err := ParseNavMode("pre"); err != nil || mode != NavTakeback {
		t.Errorf("ParseNavMode(pre): got %v, %v", mode, err)
	}
	if _, err := ParseNavMode("back"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestValidRound(t *testing.T) {
	for n := 0; n <= MaxRound; n++ {
		if !ValidRound(n) {
			t.Errorf("round %d should be valid", n)
		}
	}
	if ValidRound(-1) || ValidRound(MaxRound+1) {
		t.Error("out-of-range rounds accepted")
	}
}
