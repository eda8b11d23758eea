package models

import (
	"encoding/json"
	"testing"
)

func TestLocationUnmarshalPlainAndGeoJSON(t *testing.T) {
	var plain, geo Location
	if err := json.Unmarshal([]byte(`{"lat":22.5726,"lng":88.3639}`), &plain); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"type":"Point","coordinates":[88.3639,22.5726]}`), &geo); err != nil {
		t.Fatal(err)
	}
	if plain.LatLng != geo.LatLng {
		t.Fatalf("equivalent inputs must normalize identically: %+v vs %+v", plain.LatLng, geo.LatLng)
	}
	if geo.Lat != 22.5726 || geo.Lng != 88.3639 {
		t.Fatalf("GeoJSON coordinate order is [lng, lat], got %+v", geo.LatLng)
	}
}

func TestLocationUnmarshalRejectsEmpty(t *testing.T) {
	var loc Location
	if err := json.Unmarshal([]byte(`{}`), &loc); err == nil {
		t.Fatal("expected error for a location with no usable fields")
	}
}

func TestLocationMarshalEmitsLatLng(t *testing.T) {
	b, err := json.Marshal(Location{LatLng: LatLng{Lat: 1.5, Lng: 2.5}})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"lat":1.5,"lng":2.5}` {
		t.Fatalf("unexpected encoding: %s", b)
	}
}
