package geo

import (
	"errors"
	"math"
	"testing"

	"field-service-coordination-system/shared/faultx"
)

func TestDistanceMetersKnownPairs(t *testing.T) {
	cases := []struct {
		name string
		a, b Coordinate
		want float64
	}{
		{"equator_0.001deg_lat", Coordinate{0, 0}, Coordinate{0.001, 0}, 111.19},
		{"equator_0.001deg_lng", Coordinate{0, 0}, Coordinate{0, 0.001}, 111.19},
		{"hanoi_block", Coordinate{21.0285, 105.8542}, Coordinate{21.0294, 105.8542}, 100.08},
		{"same_point", Coordinate{10.762622, 106.660172}, Coordinate{10.762622, 106.660172}, 0},
	}
	for _, tc := range cases {
		got, err := DistanceMeters(tc.a, tc.b)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if tc.want == 0 {
			if got != 0 {
				t.Fatalf("%s: expected 0, got %f", tc.name, got)
			}
			continue
		}
		if rel := math.Abs(got-tc.want) / tc.want; rel > 0.001 {
			t.Fatalf("%s: expected ~%f within 0.1%%, got %f", tc.name, tc.want, got)
		}
	}
}

func TestDistanceMetersSymmetry(t *testing.T) {
	a := Coordinate{Lat: 21.0285, Lng: 105.8542}
	b := Coordinate{Lat: 21.0312, Lng: 105.8501}
	ab, err := DistanceMeters(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ba, err := DistanceMeters(b, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ab != ba {
		t.Fatalf("distance not symmetric: %f vs %f", ab, ba)
	}
}

func TestDistanceMetersRejectsOutOfRange(t *testing.T) {
	bad := []Coordinate{
		{Lat: 90.5, Lng: 0},
		{Lat: -91, Lng: 0},
		{Lat: 0, Lng: 180.01},
		{Lat: 0, Lng: -181},
		{Lat: math.NaN(), Lng: 0},
	}
	ok := Coordinate{Lat: 0, Lng: 0}
	for _, c := range bad {
		if _, err := DistanceMeters(c, ok); err == nil {
			t.Fatalf("expected validation error for %+v", c)
		} else {
			var ve *faultx.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
		}
	}
}
