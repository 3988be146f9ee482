package caddywaf

import (
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/oschwald/maxminddb-golang"
	"github.com/phemmer/go-iptrie"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

// Package caddywaf is a Caddy module implementing an in-process rule engine
// and request body processor: string/regex/numeric rule matching over
// request variables, chained rule conjunctions, and a post-match block-list
// escalation step, modeled on an nginx WAF module's rule engine.

var (
	_ caddy.Module                = (*Middleware)(nil)
	_ caddy.Provisioner            = (*Middleware)(nil)
	_ caddy.Validator              = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler  = (*Middleware)(nil)
	_ caddyfile.Unmarshaler        = (*Middleware)(nil)
)

// RuleCache deduplicates compiled regex patterns seen across multiple rule
// files, so two rules that happen to share an identical "regex:" parameter
// compile it once.
type RuleCache struct {
	mu    sync.RWMutex
	rules map[string]*regexp.Regexp
}

// NewRuleCache creates a new RuleCache.
func NewRuleCache() *RuleCache {
	return &RuleCache{rules: make(map[string]*regexp.Regexp)}
}

// Get retrieves a compiled regex pattern from the cache.
func (rc *RuleCache) Get(pattern string) (*regexp.Regexp, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	re, ok := rc.rules[pattern]
	return re, ok
}

// Set stores a compiled regex pattern in the cache.
func (rc *RuleCache) Set(pattern string, re *regexp.Regexp) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.rules[pattern] = re
}

// CountryAccessFilter configures a GeoIP-backed country allow/block list.
type CountryAccessFilter struct {
	Enabled     bool     `json:"enabled"`
	CountryList []string `json:"country_list"`
	GeoIPDBPath string   `json:"geoip_db_path"`

	geoIP *maxminddb.Reader `json:"-"`
}

// GeoIPRecord is the subset of a MaxMind Country/City database record this
// module reads.
type GeoIPRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// CustomBlockResponse overrides the default denied_url/status response for
// a specific status code.
type CustomBlockResponse struct {
	StatusCode  int
	ContentType string
	Body        string
}

// Middleware is the Caddy module implementing the WAF rule engine as an
// `http.handlers.waf` handler.
type Middleware struct {
	RuleFiles        []string            `json:"rule_files,omitempty"`
	IPBlacklistFile  string              `json:"ip_blacklist_file,omitempty"`
	DNSBlacklistFile string              `json:"dns_blacklist_file,omitempty"`
	DeniedURLFile    string              `json:"denied_url,omitempty"`
	CountryBlock     CountryAccessFilter `json:"country_block,omitempty"`
	CountryWhitelist CountryAccessFilter `json:"country_whitelist,omitempty"`

	CustomResponses map[int]CustomBlockResponse `json:"custom_responses,omitempty"`

	LogSeverity string `json:"log_severity,omitempty"`
	LogJSON     bool   `json:"log_json,omitempty"`
	LogFilePath string `json:"log_file,omitempty"`

	MetricsEndpoint      string `json:"metrics_endpoint,omitempty"`
	ConnProcessorEnabled bool   `json:"conn_processor,omitempty"`

	engine       *Engine
	ipBlacklist  *iptrie.Trie
	dnsBlacklist map[string]struct{}
	ruleCache    *RuleCache

	logger   *zap.Logger
	logLevel zapcore.Level

	connCounts sync.Map // key: remote IP, value: *atomic.Int64

	counters counters
	ruleHits sync.Map // key: rule id string, value: *atomic.Int64
}

// counters tracks process-wide request/match outcomes, grounded on the
// teacher's totalRequests/blockedRequests/allowedRequests metrics fields
// but reimplemented over sync/atomic instead of a metrics mutex.
type counters struct {
	requestsTotal   atomic.Int64
	requestsMatched atomic.Int64
	requestsLogged  atomic.Int64
	requestsAllowed atomic.Int64
	requestsBlocked atomic.Int64

	ipBlacklistHits  atomic.Int64
	dnsBlacklistHits atomic.Int64
	geoIPBlocked     atomic.Int64
}
