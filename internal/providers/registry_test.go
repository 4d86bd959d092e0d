package providers

import (
	"testing"

	"github.com/example/trip-dispatch/internal/models"
)

func seed(idx *Index) {
	idx.Upsert(models.Provider{ID: "near", VehicleClass: "sedan", Categories: []models.Category{models.CategoryDriverHire}, Loc: models.Coord{Lat: 12.97, Lon: 77.59}, Available: true})
	idx.Upsert(models.Provider{ID: "far", VehicleClass: "sedan", Categories: []models.Category{models.CategoryDriverHire}, Loc: models.Coord{Lat: 13.10, Lon: 77.80}, Available: true})
	idx.Upsert(models.Provider{ID: "tow-only", VehicleClass: "flatbed", Categories: []models.Category{models.CategoryTow}, Loc: models.Coord{Lat: 12.97, Lon: 77.59}, Available: true})
	idx.Upsert(models.Provider{ID: "offline", VehicleClass: "sedan", Categories: []models.Category{models.CategoryDriverHire}, Loc: models.Coord{Lat: 12.97, Lon: 77.59}, Available: false})
}

func TestEligibleFiltersCategoryClassAndAvailability(t *testing.T) {
	idx := NewIndex()
	seed(idx)

	got := idx.Eligible(models.CategoryDriverHire, "sedan", models.Coord{Lat: 12.97, Lon: 77.59}, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible, got %d", len(got))
	}
	for _, p := range got {
		if p.ID == "tow-only" || p.ID == "offline" {
			t.Fatalf("provider %s should have been filtered", p.ID)
		}
	}
}

func TestEligibleOrdersByDistance(t *testing.T) {
	idx := NewIndex()
	seed(idx)

	got := idx.Eligible(models.CategoryDriverHire, "sedan", models.Coord{Lat: 12.97, Lon: 77.59}, 1)
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("expected nearest provider first, got %+v", got)
	}
}

func TestEligibleAnyClassWhenUnspecified(t *testing.T) {
	idx := NewIndex()
	seed(idx)

	got := idx.Eligible(models.CategoryTow, "", models.Coord{Lat: 12.97, Lon: 77.59}, 10)
	if len(got) != 1 || got[0].ID != "tow-only" {
		t.Fatalf("expected the tow provider, got %+v", got)
	}
}
