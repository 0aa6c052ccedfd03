package services

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip-traffic-agent/models"
)

func countingGeoCache(rec models.GeoRecord, calls *int) *GeoCache {
	return &GeoCache{
		cache: make(map[string]models.GeoRecord),
		lookup: func(net.IP) models.GeoRecord {
			*calls++
			return rec
		},
	}
}

func TestGeoCacheWithoutDatabase(t *testing.T) {
	g, err := NewGeoCache("")
	require.NoError(t, err)
	defer g.Close()

	assert.Equal(t, models.UnknownGeo, g.Lookup("8.8.8.8"))
	assert.Equal(t, 1, g.Len())
}

func TestGeoCacheBadPathIsFatal(t *testing.T) {
	_, err := NewGeoCache("/nonexistent/GeoLite2-City.mmdb")
	assert.Error(t, err)
}

func TestGeoCacheLooksUpOncePerIP(t *testing.T) {
	calls := 0
	rec := models.GeoRecord{Country: "US", Province: "California", City: "Mountain View", ISP: "Unknown"}
	g := countingGeoCache(rec, &calls)

	for i := 0; i < 5; i++ {
		assert.Equal(t, rec, g.Lookup("8.8.8.8"))
	}
	assert.Equal(t, 1, calls)

	g.Lookup("9.9.9.9")
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, g.Len())
}

func TestGeoCacheCachesUnknownResults(t *testing.T) {
	calls := 0
	g := countingGeoCache(models.UnknownGeo, &calls)

	for i := 0; i < 3; i++ {
		assert.Equal(t, models.UnknownGeo, g.Lookup("203.0.113.7"))
	}
	assert.Equal(t, 1, calls, "misses are cached too")
}

func TestGeoCacheUnparseableIP(t *testing.T) {
	calls := 0
	g := countingGeoCache(models.GeoRecord{Country: "US"}, &calls)

	assert.Equal(t, models.UnknownGeo, g.Lookup("not-an-ip"))
	assert.Zero(t, calls, "database is never consulted for garbage input")
	assert.Equal(t, 1, g.Len())
}

func TestPickName(t *testing.T) {
	assert.Equal(t, "美国", pickName(map[string]string{"en": "United States", "zh-CN": "美国"}))
	assert.Equal(t, "United States", pickName(map[string]string{"en": "United States"}))
	assert.Equal(t, "", pickName(nil))
}
