package threat

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/event"
)

// geoAnalyzer resolves source IPs to a coarse country code and flags
// high-risk origins and likely VPN/hosting-provider addresses. Lookups
// are memoized in bigcache since the same sources recur heavily.
type geoAnalyzer struct {
	logger   *zap.Logger
	cache    *bigcache.BigCache
	highRisk map[string]struct{}
	resolver GeoResolver
}

// GeoResolver maps an IP to an ISO country code. The default resolver is
// a static prefix heuristic; deployments plug in a real database.
type GeoResolver interface {
	Country(ip string) string
}

// GeoResolverFunc adapts a function to the GeoResolver interface.
type GeoResolverFunc func(ip string) string

func (f GeoResolverFunc) Country(ip string) string { return f(ip) }

func newGeoAnalyzer(logger *zap.Logger, highRiskCountries []string, resolver GeoResolver) *geoAnalyzer {
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(6*time.Hour))
	if err != nil {
		logger.Warn("Geo lookup cache unavailable", zap.Error(err))
	}

	highRisk := make(map[string]struct{}, len(highRiskCountries))
	for _, c := range highRiskCountries {
		highRisk[strings.ToUpper(c)] = struct{}{}
	}

	if resolver == nil {
		resolver = GeoResolverFunc(staticCountryLookup)
	}

	return &geoAnalyzer{
		logger:   logger,
		cache:    cache,
		highRisk: highRisk,
		resolver: resolver,
	}
}

func (a *geoAnalyzer) analyze(e *event.SecurityEvent) []contribution {
	var contributions []contribution
	ip := e.Source.IP

	country := a.country(ip)
	if country != "" {
		if _, risky := a.highRisk[country]; risky {
			contributions = append(contributions, contribution{
				category:   CategoryHighRiskGeo,
				severity:   event.SeverityLow,
				confidence: 0.2,
				evidence:   map[string]interface{}{"ip": ip, "country": country},
			})
		}
	}

	if isLikelyHostingProvider(ip) {
		contributions = append(contributions, contribution{
			category:   CategoryVPNSource,
			severity:   event.SeverityLow,
			confidence: 0.15,
			evidence:   map[string]interface{}{"ip": ip},
		})
	}

	return contributions
}

func (a *geoAnalyzer) country(ip string) string {
	if a.cache != nil {
		if cached, err := a.cache.Get(ip); err == nil {
			return string(cached)
		}
	}

	country := a.resolver.Country(ip)
	if a.cache != nil {
		_ = a.cache.Set(ip, []byte(country))
	}
	return country
}

// staticCountryLookup is a coarse, deterministic placeholder resolver.
// Unroutable and private addresses map to the empty country.
func staticCountryLookup(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsPrivate() || parsed.IsLoopback() {
		return ""
	}
	// TEST-NET ranges are used in tests and map to a synthetic code.
	if strings.HasPrefix(ip, "192.0.2.") || strings.HasPrefix(ip, "198.51.100.") || strings.HasPrefix(ip, "203.0.113.") {
		return "ZZ"
	}
	return "US"
}

// isLikelyHostingProvider applies the VPN/datacenter heuristic: carrier
// grade NAT and well-known cloud prefixes. Deliberately coarse.
func isLikelyHostingProvider(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range hostingRanges {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

var hostingRanges = mustParseCIDRs(
	"100.64.0.0/10", // CGNAT
	"104.16.0.0/13",
	"172.64.0.0/13",
	"34.64.0.0/10",
	"13.64.0.0/11",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}
