// Package normalizer turns raw connector records into canonical,
// deduplicated properties with deterministic ids.
package normalizer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/models"

	"github.com/google/uuid"
)

// propertyNamespace scopes UUIDv5 property ids.
var propertyNamespace = uuid.MustParse("6f1c7a52-3d0b-5a8e-9b61-2f4c8d7e9a10")

var (
	nonAddressChars = regexp.MustCompile(`[^A-Z0-9# ]+`)
	spaces          = regexp.MustCompile(`\s+`)
)

var abbreviations = map[string]string{
	"STREET":     "ST",
	"AVENUE":     "AVE",
	"BOULEVARD":  "BLVD",
	"DRIVE":      "DR",
	"ROAD":       "RD",
	"LANE":       "LN",
	"COURT":      "CT",
	"PLACE":      "PL",
	"PARKWAY":    "PKWY",
	"HIGHWAY":    "HWY",
	"FREEWAY":    "FWY",
	"CIRCLE":     "CIR",
	"TERRACE":    "TER",
	"EXPRESSWAY": "EXPY",
	"NORTH":      "N",
	"SOUTH":      "S",
	"EAST":       "E",
	"WEST":       "W",
	"NORTHEAST":  "NE",
	"NORTHWEST":  "NW",
	"SOUTHEAST":  "SE",
	"SOUTHWEST":  "SW",
	"SUITE":      "STE",
	"APARTMENT":  "APT",
	"UNIT":       "UNIT",
	"FLOOR":      "FL",
	"BUILDING":   "BLDG",
}

// CanonicalAddress upper-cases, strips punctuation, collapses whitespace and
// abbreviates street suffixes, directionals and unit designators.
func CanonicalAddress(addr string) string {
	s := strings.ToUpper(addr)
	s = strings.ReplaceAll(s, "#", " # ")
	s = nonAddressChars.ReplaceAllString(s, " ")
	s = strings.TrimSpace(spaces.ReplaceAllString(s, " "))
	if s == "" {
		return ""
	}

	words := strings.Split(s, " ")
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); i++ {
		w := words[i]
		if abbr, ok := abbreviations[w]; ok {
			w = abbr
		}
		// "# 200", "APT 200" and "STE 200" all become "UNIT 200".
		if (w == "#" || w == "APT" || w == "STE" || w == "UNIT") && i+1 < len(words) {
			out = append(out, "UNIT", words[i+1])
			i++
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// DedupeKey identifies the same physical property across sources.
func DedupeKey(canonicalAddress, postalCode, market string) string {
	return strings.Join([]string{
		canonicalAddress,
		strings.TrimSpace(postalCode),
		strings.ToUpper(strings.TrimSpace(market)),
	}, "|")
}

// PropertyID is a UUIDv5 of the dedupe key, stable across runs.
func PropertyID(dedupeKey string) string {
	return uuid.NewSHA1(propertyNamespace, []byte(dedupeKey)).String()
}

// Geocoder resolves coordinates for records that arrive without them.
type Geocoder interface {
	Geocode(ctx context.Context, raw models.RawProperty) (models.Geocode, error)
}

// CentroidGeocoder places a property at its market's centroid.
type CentroidGeocoder struct {
	centroids map[string][2]float64
}

func NewCentroidGeocoder(centroids map[string][2]float64) *CentroidGeocoder {
	norm := make(map[string][2]float64, len(centroids))
	for k, v := range centroids {
		norm[strings.ToUpper(k)] = v
	}
	return &CentroidGeocoder{centroids: norm}
}

func (g *CentroidGeocoder) Geocode(_ context.Context, raw models.RawProperty) (models.Geocode, error) {
	c, ok := g.centroids[strings.ToUpper(raw.Market)]
	if !ok {
		return models.Geocode{}, apperrors.NewValidationError(fmt.Sprintf("no coordinates and no centroid for market %q", raw.Market))
	}
	return models.Geocode{Latitude: c[0], Longitude: c[1], Precision: "centroid"}, nil
}

type Normalizer struct {
	geocoder Geocoder
}

func New(geocoder Geocoder) *Normalizer {
	return &Normalizer{geocoder: geocoder}
}

// Normalize maps one RawProperty to its NormalizedProperty. Records missing
// an address, a market or a positive building size are rejected.
func (n *Normalizer) Normalize(ctx context.Context, raw models.RawProperty) (models.NormalizedProperty, error) {
	canonical := CanonicalAddress(raw.Address)
	switch {
	case canonical == "":
		return models.NormalizedProperty{}, apperrors.NewValidationError("address is empty")
	case strings.TrimSpace(raw.Market) == "":
		return models.NormalizedProperty{}, apperrors.NewValidationError("market is empty")
	case raw.BuildingSF <= 0:
		return models.NormalizedProperty{}, apperrors.NewValidationError("building_sf must be positive")
	}

	geo, err := n.geocode(ctx, raw)
	if err != nil {
		return models.NormalizedProperty{}, err
	}

	raw.Market = strings.ToUpper(strings.TrimSpace(raw.Market))
	key := DedupeKey(canonical, raw.PostalCode, raw.Market)
	return models.NormalizedProperty{
		ID:               PropertyID(key),
		DedupeKey:        key,
		CanonicalAddress: canonical,
		Geocode:          geo,
		Raw:              raw,
	}, nil
}

func (n *Normalizer) geocode(ctx context.Context, raw models.RawProperty) (models.Geocode, error) {
	if raw.Latitude != nil && raw.Longitude != nil && validCoords(*raw.Latitude, *raw.Longitude) {
		return models.Geocode{Latitude: *raw.Latitude, Longitude: *raw.Longitude, Precision: "source"}, nil
	}
	if n.geocoder == nil {
		return models.Geocode{}, apperrors.NewValidationError("no coordinates and no geocoder configured")
	}
	return n.geocoder.Geocode(ctx, raw)
}

func validCoords(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Dedupe keeps the most recently fetched record per dedupe key, preserving the
// position of each key's first occurrence.
func Dedupe(props []models.NormalizedProperty) []models.NormalizedProperty {
	index := make(map[string]int, len(props))
	out := make([]models.NormalizedProperty, 0, len(props))
	for _, p := range props {
		i, seen := index[p.DedupeKey]
		if !seen {
			index[p.DedupeKey] = len(out)
			out = append(out, p)
			continue
		}
		if p.Raw.FetchedAt.After(out[i].Raw.FetchedAt) {
			out[i] = p
		}
	}
	return out
}
