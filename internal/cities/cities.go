// Package cities holds the compiled-in coordinate table for the cities the
// dashboard knows about. Lookups are case-insensitive and tolerate a few
// common alternate spellings.
package cities

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/lox/cityweather/internal/models"
)

var known = []models.City{
	{Name: "Visakhapatnam", Latitude: 17.6868, Longitude: 83.2185},
	{Name: "Vijayawada", Latitude: 16.5062, Longitude: 80.6480},
	{Name: "Guntur", Latitude: 16.3067, Longitude: 80.4365},
	{Name: "Nellore", Latitude: 14.4426, Longitude: 79.9865},
	{Name: "Kurnool", Latitude: 15.8281, Longitude: 78.0373},
	{Name: "Tirupati", Latitude: 13.6288, Longitude: 79.4192},
	{Name: "Kakinada", Latitude: 16.9891, Longitude: 82.2475},
	{Name: "Rajahmundry", Latitude: 17.0005, Longitude: 81.8040},
	{Name: "Anantapur", Latitude: 14.6819, Longitude: 77.6006},
	{Name: "Kadapa", Latitude: 14.4673, Longitude: 78.8242},
	{Name: "Eluru", Latitude: 16.7107, Longitude: 81.0952},
	{Name: "Ongole", Latitude: 15.5057, Longitude: 80.0499},
	{Name: "Vizianagaram", Latitude: 18.1067, Longitude: 83.3956},
	{Name: "Srikakulam", Latitude: 18.2949, Longitude: 83.8938},
	{Name: "Chittoor", Latitude: 13.2172, Longitude: 79.1003},
	{Name: "Amaravati", Latitude: 16.5131, Longitude: 80.5165},
	{Name: "Hyderabad", Latitude: 17.3850, Longitude: 78.4867},
	{Name: "Chennai", Latitude: 13.0827, Longitude: 80.2707},
	{Name: "Bengaluru", Latitude: 12.9716, Longitude: 77.5946},
}

var aliases = map[string]string{
	"vizag":             "Visakhapatnam",
	"vishakhapatnam":    "Visakhapatnam",
	"rajamahendravaram": "Rajahmundry",
	"anantapuramu":      "Anantapur",
	"cuddapah":          "Kadapa",
	"bangalore":         "Bengaluru",
	"madras":            "Chennai",
}

var byKey = func() map[string]models.City {
	m := make(map[string]models.City, len(known)+len(aliases))
	for _, c := range known {
		m[key(c.Name)] = c
	}
	for alias, name := range aliases {
		m[key(alias)] = m[key(name)]
	}
	return m
}()

func key(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}

// Lookup returns the reference entry for name. The second result is false
// for cities that are not in the table.
func Lookup(name string) (models.City, bool) {
	c, ok := byKey[key(name)]
	return c, ok
}

// Canonical returns the table spelling for a known city, or the input with
// whitespace collapsed for an unknown one.
func Canonical(name string) string {
	if c, ok := Lookup(name); ok {
		return c.Name
	}
	return strings.Join(strings.Fields(name), " ")
}

// All returns the reference table sorted by name.
func All() []models.City {
	out := make([]models.City, len(known))
	copy(out, known)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
