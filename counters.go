package caddywaf

import "sync/atomic"

// recordRequest bumps the total-requests counter. Called once per request
// at the top of ServeHTTP.
func (m *Middleware) recordRequest() {
	m.counters.requestsTotal.Add(1)
}

// recordOutcome folds a winning rule's action level into the process-wide
// counters, grounded on the teacher's incrementAllowedRequestsMetric /
// incrementBlockedRequestsMetric pair, generalized to all action bits.
func (m *Middleware) recordOutcome(level ActionLevel) {
	if level&ActionLog != 0 {
		m.counters.requestsLogged.Add(1)
	}
	if level&ActionAllow != 0 {
		m.counters.requestsAllowed.Add(1)
	}
	if level&ActionBlock != 0 {
		m.counters.requestsBlocked.Add(1)
	}
	if level != ActionNone {
		m.counters.requestsMatched.Add(1)
	}
}

// recordRuleHit bumps the per-rule hit counter reported by the metrics
// endpoint and the shutdown log, grounded on the teacher's ruleHits sync.Map.
func (m *Middleware) recordRuleHit(ruleID uint) {
	key := ruleIDKey(ruleID)
	v, _ := m.ruleHits.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func ruleIDKey(id uint) string {
	return itoaUint(id)
}

func itoaUint(id uint) string {
	if id == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[i:])
}

// beginConnection increments the live request count for ip and returns the
// new count, feeding the CONN_PER_IP variable. Grounded on
// yy_sec_waf_get_conn_per_ip, which reads an nginx connection's shared-memory
// per-IP slot; here a sync.Map of *atomic.Int64 plays that role since Go requests
// don't share a connection struct with a refcount already on hand.
func (m *Middleware) beginConnection(ip string) int {
	v, _ := m.connCounts.LoadOrStore(ip, new(atomic.Int64))
	counter := v.(*atomic.Int64)
	return int(counter.Add(1))
}

// endConnection releases the slot acquired by beginConnection.
func (m *Middleware) endConnection(ip string) {
	v, ok := m.connCounts.Load(ip)
	if !ok {
		return
	}
	counter := v.(*atomic.Int64)
	if counter.Add(-1) <= 0 {
		m.connCounts.Delete(ip)
	}
}

// ruleHitStats snapshots the per-rule hit counts for the metrics endpoint
// and the shutdown log.
func (m *Middleware) ruleHitStats() map[string]int64 {
	stats := make(map[string]int64)
	m.ruleHits.Range(func(key, value interface{}) bool {
		ruleID, ok := key.(string)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Int64)
		if !ok {
			return true
		}
		stats[ruleID] = counter.Load()
		return true
	})
	return stats
}

// metricsSnapshot is the JSON shape served by the metrics_endpoint route.
type metricsSnapshot struct {
	RequestsTotal    int64            `json:"requests_total"`
	RequestsMatched  int64            `json:"requests_matched"`
	RequestsLogged   int64            `json:"requests_logged"`
	RequestsAllowed  int64            `json:"requests_allowed"`
	RequestsBlocked  int64            `json:"requests_blocked"`
	IPBlacklistHits  int64            `json:"ip_blacklist_hits"`
	DNSBlacklistHits int64            `json:"dns_blacklist_hits"`
	GeoIPBlocked     int64            `json:"geoip_blocked"`
	RuleHits         map[string]int64 `json:"rule_hits"`
	Version          string           `json:"version"`
}

func (m *Middleware) snapshotMetrics() metricsSnapshot {
	return metricsSnapshot{
		RequestsTotal:    m.counters.requestsTotal.Load(),
		RequestsMatched:  m.counters.requestsMatched.Load(),
		RequestsLogged:   m.counters.requestsLogged.Load(),
		RequestsAllowed:  m.counters.requestsAllowed.Load(),
		RequestsBlocked:  m.counters.requestsBlocked.Load(),
		IPBlacklistHits:  m.counters.ipBlacklistHits.Load(),
		DNSBlacklistHits: m.counters.dnsBlacklistHits.Load(),
		GeoIPBlocked:     m.counters.geoIPBlocked.Load(),
		RuleHits:         m.ruleHitStats(),
		Version:          wafVersion,
	}
}
