package qdrant

import (
	"testing"

	"github.com/kaelstrom/pixelsync/pkg/types"
	pb "github.com/qdrant/go-client/qdrant"
)

func TestConvertDistance(t *testing.T) {
	cases := map[types.Distance]pb.Distance{
		types.DistanceCosine: pb.Distance_Cosine,
		types.DistanceEuclid: pb.Distance_Euclid,
		types.DistanceDot:    pb.Distance_Dot,
		types.Distance(""):   pb.Distance_Cosine,
	}
	for in, want := range cases {
		if got := convertDistance(in); got != want {
			t.Errorf("convertDistance(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConvertMapToPayloadEmpty(t *testing.T) {
	if convertMapToPayload(nil) != nil {
		t.Error("expected nil payload for an empty map")
	}
}

func TestConvertValueTypes(t *testing.T) {
	if v := convertValue("hi").GetStringValue(); v != "hi" {
		t.Errorf("expected string value, got %v", v)
	}
	if v := convertValue(true).GetBoolValue(); !v {
		t.Error("expected bool value true")
	}
	if v := convertValue(42).GetIntegerValue(); v != 42 {
		t.Errorf("expected integer value 42, got %d", v)
	}
	if v := convertValue(3.5).GetDoubleValue(); v != 3.5 {
		t.Errorf("expected double value 3.5, got %v", v)
	}
}
