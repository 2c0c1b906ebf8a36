package tiles

import (
	"strings"
	"testing"
)

func TestKey_String(t *testing.T) {
	key := Key{Provider: OpenStreetMap, Z: 12, X: 655, Y: 1583}
	if got := key.String(); got != "OpenStreetMap_12_655_1583" {
		t.Errorf("Expected key OpenStreetMap_12_655_1583, got %s", got)
	}
}

func TestKey_URL(t *testing.T) {
	testCases := []struct {
		name string
		key  Key
		url  string
	}{
		{
			"unsharded provider",
			Key{Provider: OpenStreetMap, Z: 3, X: 2, Y: 5},
			"https://tile.openstreetmap.org/3/2/5.png",
		},
		{
			// (x+y+z) % 4 = (1+2+3) % 4 = 2 -> shard "c"
			"sharded provider",
			Key{Provider: CartoDBPositron, Z: 3, X: 1, Y: 2},
			"https://cartodb-basemaps-c.global.ssl.fastly.net/light_all/3/1/2.png",
		},
		{
			// Esri swaps the x/y path order
			"esri path order",
			Key{Provider: EsriSatellite, Z: 3, X: 2, Y: 5},
			"https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/3/5/2",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			url, err := tc.key.URL()
			if err != nil {
				t.Fatalf("Failed to build URL: %v", err)
			}
			if url != tc.url {
				t.Errorf("Expected URL %s, got %s", tc.url, url)
			}
		})
	}
}

func TestKey_URLDeterministicShard(t *testing.T) {
	key := Key{Provider: StamenTerrain, Z: 10, X: 163, Y: 395}

	first, err := key.URL()
	if err != nil {
		t.Fatalf("Failed to build URL: %v", err)
	}
	for i := 0; i < 10; i++ {
		url, err := key.URL()
		if err != nil {
			t.Fatalf("Failed to build URL: %v", err)
		}
		if url != first {
			t.Fatalf("Shard selection is not deterministic: %s vs %s", first, url)
		}
	}
	if strings.Contains(first, "{s}") {
		t.Errorf("Shard placeholder not substituted: %s", first)
	}
}

func TestKey_URLUnknownProvider(t *testing.T) {
	key := Key{Provider: "No Such Provider", Z: 1, X: 0, Y: 0}
	if _, err := key.URL(); err == nil {
		t.Error("Expected error for unknown provider")
	}
}

func TestProviderByName(t *testing.T) {
	for _, p := range Providers() {
		got, err := ProviderByName(string(p))
		if err != nil {
			t.Errorf("Failed to resolve provider %q: %v", p, err)
		}
		if got != p {
			t.Errorf("Expected provider %q, got %q", p, got)
		}
	}

	if _, err := ProviderByName("No Such Provider"); err == nil {
		t.Error("Expected error for unknown provider name")
	}
}
