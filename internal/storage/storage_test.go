package storage

import (
	"strings"
	"testing"

	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
	qdrant "github.com/qdrant/go-client/qdrant"
)

func TestSanitizeConfidence(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.85, 0.85},
		{0.123456, 0.1235},
		{1.7, 1},
	}
	for _, tt := range tests {
		if got := sanitizeConfidence(tt.in); got != tt.want {
			t.Errorf("sanitizeConfidence(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"text":"a\u0000b\u0007c"}`)
	got := string(sanitizeJSONForPostgres(in))
	if got != `{"text":"ab c"}` {
		t.Errorf("sanitizeJSONForPostgres() = %s", got)
	}
}

func TestSanitizeText(t *testing.T) {
	if got := sanitizeText("left\x00\ttop"); got != "left\ttop" {
		t.Errorf("sanitizeText() = %q", got)
	}
}

func TestPayloadRoundTripKeepsKinds(t *testing.T) {
	in := map[string]interface{}{
		"text":  "Hello World",
		"page":  2,
		"big":   int64(1 << 40),
		"conf":  85.5,
		"ok":    true,
		"other": []int{1},
	}
	out := fromPayload(toPayload(in))

	if out["text"] != "Hello World" {
		t.Errorf("text = %v", out["text"])
	}
	if out["page"] != int64(2) {
		t.Errorf("page = %#v, want int64(2)", out["page"])
	}
	if out["big"] != int64(1<<40) {
		t.Errorf("big = %#v", out["big"])
	}
	if out["conf"] != 85.5 {
		t.Errorf("conf = %v", out["conf"])
	}
	if out["ok"] != true {
		t.Errorf("ok = %v", out["ok"])
	}
	if out["other"] != "[1]" {
		t.Errorf("other = %v, want stringified", out["other"])
	}
}

func TestToPointStructsValidates(t *testing.T) {
	if _, err := toPointStructs([]*VectorPoint{{Vector: make([]float32, 3)}}); err == nil {
		t.Fatal("expected dimension error")
	}
	if _, err := toPointStructs([]*VectorPoint{nil}); err == nil {
		t.Fatal("expected nil point error")
	}

	p := &VectorPoint{Vector: make([]float32, VectorDimensions)}
	structs, err := toPointStructs([]*VectorPoint{p})
	if err != nil {
		t.Fatalf("toPointStructs() error = %v", err)
	}
	if p.ID == "" {
		t.Fatal("missing ID was not filled in")
	}
	if got := structs[0].Id.GetUuid(); got != p.ID {
		t.Errorf("point id = %q, want %q", got, p.ID)
	}
}

func TestPointIDs(t *testing.T) {
	ids := pointIDs([]string{"a", "b"})
	if len(ids) != 2 || ids[1].GetUuid() != "b" {
		t.Errorf("pointIDs() = %v", ids)
	}
}

func TestLinePointsAndBack(t *testing.T) {
	line := tabular.Record{Page: 3, Left: 10, Top: 20, Width: 30, Height: 8, Conf: 89, Text: "hello world"}
	points := linePoints("job-1", "res-1", []LineVector{{Line: line, Vector: make([]float32, VectorDimensions)}})

	if len(points) != 1 {
		t.Fatalf("len(points) = %d", len(points))
	}
	if points[0].ID == "" {
		t.Error("point ID is empty")
	}

	// Simulate the Qdrant round trip so numbers come back as int64
	payload := fromPayload(toPayload(points[0].Payload))
	got := lineFromPayload(payload)

	if got.JobID != "job-1" || got.ResultID != "res-1" {
		t.Errorf("ids = %q/%q", got.JobID, got.ResultID)
	}
	if !got.Line.Equal(line) {
		t.Errorf("line = %+v, want %+v", got.Line, line)
	}
}

func TestFromPayloadSkipsNil(t *testing.T) {
	out := fromPayload(map[string]*qdrant.Value{
		"a": nil,
		"b": {Kind: &qdrant.Value_StringValue{StringValue: "x"}},
	})
	if _, ok := out["a"]; ok {
		t.Error("nil value was kept")
	}
	if out["b"] != "x" {
		t.Errorf("b = %v", out["b"])
	}
}

func TestSchemaStatementsTargetNamespace(t *testing.T) {
	for _, stmt := range schemaStatements {
		if !strings.Contains(stmt, "textrealign") {
			t.Errorf("statement outside textrealign schema: %s", stmt)
		}
	}
}
