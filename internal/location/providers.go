package location

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vburojevic/apptrack/internal/domain"
)

// provider maps one IP-geolocation service's JSON shape onto a snapshot.
// Providers are tried in order until one returns a structurally valid
// result; each has its own quirks (ipinfo omits coordinates on the free
// tier, ipwho.is signals errors in-band via a success flag).
type provider struct {
	url    string
	mapper func(map[string]any) *domain.LocationSnapshot
}

func defaultProviders() []provider {
	return []provider{
		{
			url: "https://ipinfo.io/json",
			mapper: func(d map[string]any) *domain.LocationSnapshot {
				return &domain.LocationSnapshot{
					IP:      str(d, "ip"),
					City:    str(d, "city"),
					Region:  str(d, "region"),
					Country: str(d, "country"),
				}
			},
		},
		{
			url: "http://ip-api.com/json",
			mapper: func(d map[string]any) *domain.LocationSnapshot {
				return &domain.LocationSnapshot{
					IP:        str(d, "query"),
					City:      str(d, "city"),
					Region:    str(d, "regionName"),
					Country:   str(d, "country"),
					Latitude:  num(d, "lat"),
					Longitude: num(d, "lon"),
				}
			},
		},
		{
			url: "https://ipwho.is/",
			mapper: func(d map[string]any) *domain.LocationSnapshot {
				if ok, present := d["success"].(bool); present && !ok {
					return nil
				}
				return &domain.LocationSnapshot{
					IP:        str(d, "ip"),
					City:      str(d, "city"),
					Region:    str(d, "region"),
					Country:   str(d, "country"),
					Latitude:  num(d, "latitude"),
					Longitude: num(d, "longitude"),
				}
			},
		},
	}
}

// fetch queries one provider and maps its response. Any transport, status
// or decode problem is an error; the resolver skips to the next provider.
func (p provider) fetch(ctx context.Context, client *http.Client) (*domain.LocationSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", p.url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	loc := p.mapper(data)
	if loc.Empty() {
		return nil, fmt.Errorf("%s returned no usable fields", p.url)
	}
	return loc, nil
}

func str(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}

func num(d map[string]any, key string) float64 {
	f, _ := d[key].(float64)
	return f
}
