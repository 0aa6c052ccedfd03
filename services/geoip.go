package services

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"ip-traffic-agent/models"
	"ip-traffic-agent/system"
)

// GeoCache maps remote IPs to geolocation records backed by a MaxMind City
// database. The database is memory-mapped, so resident memory tracks the
// pages touched by observed IPs rather than the full file. Every result,
// including "Unknown", is cached for the process lifetime: scanning traffic
// keeps revisiting addresses with no database entry (private ranges,
// reserved blocks) and repeating those lookups would be wasted work.
type GeoCache struct {
	mu     sync.Mutex
	reader *geoip2.Reader
	cache  map[string]models.GeoRecord

	// lookup is swapped out by tests to count database interactions.
	lookup func(ip net.IP) models.GeoRecord
}

// NewGeoCache opens the database at dbPath. An empty path is valid and
// yields a cache that answers "Unknown" without touching any database. A
// path that cannot be opened is a configuration error and fatal to startup.
func NewGeoCache(dbPath string) (*GeoCache, error) {
	g := &GeoCache{cache: make(map[string]models.GeoRecord)}

	if dbPath != "" {
		reader, err := geoip2.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open geoip database %s: %w", dbPath, err)
		}
		g.reader = reader
		g.lookup = g.lookupCity
		system.Info("GeoIP database loaded: %s", dbPath)
	} else {
		system.Info("No GeoIP database configured, geo labels will be Unknown")
	}
	return g, nil
}

// Lookup returns the geo record for a remote IP, filling the cache on the
// first sight of each address. It never returns an error: unresolvable IPs
// get the Unknown record.
func (g *GeoCache) Lookup(remoteIP string) models.GeoRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.cache[remoteIP]; ok {
		return rec
	}

	rec := models.UnknownGeo
	if g.lookup != nil {
		if ip := net.ParseIP(remoteIP); ip != nil {
			rec = g.lookup(ip)
		}
	}
	g.cache[remoteIP] = rec
	return rec
}

func (g *GeoCache) lookupCity(ip net.IP) models.GeoRecord {
	city, err := g.reader.City(ip)
	if err != nil {
		return models.UnknownGeo
	}

	rec := models.UnknownGeo
	if name := pickName(city.Country.Names); name != "" {
		rec.Country = name
	}
	if len(city.Subdivisions) > 0 {
		if name := pickName(city.Subdivisions[0].Names); name != "" {
			rec.Province = name
		}
	}
	if name := pickName(city.City.Names); name != "" {
		rec.City = name
	}
	// The City schema has no ISP field; rec.ISP stays "Unknown".
	return rec
}

// pickName prefers the zh-CN localized name, then English.
func pickName(names map[string]string) string {
	if name, ok := names["zh-CN"]; ok {
		return name
	}
	return names["en"]
}

// Len reports how many IPs have been looked up so far.
func (g *GeoCache) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}

// Close unmaps the database.
func (g *GeoCache) Close() {
	if g.reader != nil {
		g.reader.Close()
	}
}
