package tiles

import (
	"fmt"
	"strings"
)

// Provider identifies one of the supported free map tile sources.
type Provider string

const (
	OpenStreetMap    Provider = "OpenStreetMap"
	OpenStreetMapHOT Provider = "OpenStreetMap HOT"
	CartoDBPositron  Provider = "CartoDB Positron"
	CartoDBDark      Provider = "CartoDB Dark Matter"
	StamenTerrain    Provider = "Stamen Terrain"
	StamenToner      Provider = "Stamen Toner"
	EsriSatellite    Provider = "Esri World Imagery"
)

// providerURLs maps each provider to its tile URL template. Templates use
// {z}, {x}, {y} placeholders and an optional {s} server shard.
var providerURLs = map[Provider]string{
	OpenStreetMap:    "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
	OpenStreetMapHOT: "https://tile-{s}.openstreetmap.fr/hot/{z}/{x}/{y}.png",
	CartoDBPositron:  "https://cartodb-basemaps-{s}.global.ssl.fastly.net/light_all/{z}/{x}/{y}.png",
	CartoDBDark:      "https://cartodb-basemaps-{s}.global.ssl.fastly.net/dark_all/{z}/{x}/{y}.png",
	StamenTerrain:    "https://stamen-tiles-{s}.a.ssl.fastly.net/terrain/{z}/{x}/{y}.png",
	StamenToner:      "https://stamen-tiles-{s}.a.ssl.fastly.net/toner/{z}/{x}/{y}.png",
	EsriSatellite:    "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
}

// providerShards lists edge-host shards for providers that publish several
// tile servers. Providers absent from this map use a single host.
var providerShards = map[Provider][]string{
	OpenStreetMapHOT: {"a", "b", "c"},
	CartoDBPositron:  {"a", "b", "c", "d"},
	CartoDBDark:      {"a", "b", "c", "d"},
	StamenTerrain:    {"a", "b", "c", "d"},
	StamenToner:      {"a", "b", "c", "d"},
}

// Providers returns the closed set of supported providers.
func Providers() []Provider {
	return []Provider{
		OpenStreetMap,
		OpenStreetMapHOT,
		CartoDBPositron,
		CartoDBDark,
		StamenTerrain,
		StamenToner,
		EsriSatellite,
	}
}

// ProviderByName resolves a provider from its stable display name.
func ProviderByName(name string) (Provider, error) {
	for _, p := range Providers() {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown tile provider %q", name)
}

// Key uniquely identifies a tile within the Web Mercator pyramid of one
// provider.
type Key struct {
	Provider Provider
	Z, X, Y  int
}

// String renders the composite cache key used by the persistent store.
func (k Key) String() string {
	return fmt.Sprintf("%s_%d_%d_%d", k.Provider, k.Z, k.X, k.Y)
}

// URL builds the fetch URL for a tile key. For sharded providers the edge
// host is selected by a deterministic hash of the tile coordinates so that
// repeated requests for a tile always hit the same host.
func (k Key) URL() (string, error) {
	template, ok := providerURLs[k.Provider]
	if !ok {
		return "", fmt.Errorf("unknown tile provider %q", k.Provider)
	}

	r := strings.NewReplacer(
		"{z}", fmt.Sprintf("%d", k.Z),
		"{x}", fmt.Sprintf("%d", k.X),
		"{y}", fmt.Sprintf("%d", k.Y),
	)
	url := r.Replace(template)

	if shards, ok := providerShards[k.Provider]; ok {
		shard := shards[(k.X+k.Y+k.Z)%len(shards)]
		url = strings.ReplaceAll(url, "{s}", shard)
	}
	return url, nil
}
