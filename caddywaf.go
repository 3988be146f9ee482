// Package caddywaf implements a Web Application Firewall rule engine as a
// Caddy HTTP handler middleware.
//
// Module ID: http.handlers.waf
package caddywaf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

// wafVersion is bumped on tagging a new release.
const wafVersion = "v1.0.0"

func init() {
	caddy.RegisterModule(&Middleware{})
	httpcaddyfile.RegisterHandlerDirective("waf", parseCaddyfile)
}

// CaddyModule returns the Caddy module information.
func (*Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.waf",
		New: func() caddy.Module { return &Middleware{} },
	}
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	m := &Middleware{
		LogSeverity: "info",
		LogFilePath: "waf.log",
	}
	if err := m.UnmarshalCaddyfile(h.Dispenser); err != nil {
		return nil, fmt.Errorf("caddyfile parse error: %w", err)
	}
	return m, nil
}

// caddyTimeEncoder formats log timestamps the way Caddy's own access log
// does, so WAF log lines interleave readably with the rest of Caddy's
// output.
func caddyTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendInt64(t.UnixNano())
}

// Provision sets up logging, loads the IP/DNS blacklists, GeoIP databases,
// and rule files. Grounded on the teacher's Provision, trimmed of the
// fsnotify/rate-limiter/Tor machinery dropped per the recorded Non-goals
// (see DESIGN.md).
func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger(m)
	if m.ruleCache == nil {
		m.ruleCache = NewRuleCache()
	}

	if m.LogSeverity == "" {
		m.LogSeverity = "info"
	}
	if m.LogFilePath == "" {
		m.LogFilePath = "waf.log"
	}

	switch strings.ToLower(m.LogSeverity) {
	case "debug":
		m.logLevel = zapcore.DebugLevel
	case "warn":
		m.logLevel = zapcore.WarnLevel
	case "error":
		m.logLevel = zapcore.ErrorLevel
	default:
		m.logLevel = zapcore.InfoLevel
	}

	consoleCfg := zap.NewProductionEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCfg.EncodeTime = caddyTimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleCfg)
	consoleSync := zapcore.AddSync(os.Stdout)

	fileCfg := zap.NewProductionEncoderConfig()
	fileCfg.EncodeTime = caddyTimeEncoder
	var fileEncoder zapcore.Encoder
	if m.LogJSON {
		fileEncoder = zapcore.NewJSONEncoder(fileCfg)
	} else {
		fileEncoder = zapcore.NewConsoleEncoder(fileCfg)
	}

	fileSync, err := os.OpenFile(m.LogFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Warn("failed to open log file, logging only to console", zap.String("path", m.LogFilePath), zap.Error(err))
		m.logger = zap.New(zapcore.NewCore(consoleEncoder, consoleSync, m.logLevel))
	} else {
		core := zapcore.NewTee(
			zapcore.NewCore(consoleEncoder, consoleSync, m.logLevel),
			zapcore.NewCore(fileEncoder, zapcore.AddSync(fileSync), m.logLevel),
		)
		m.logger = zap.New(core)
	}

	m.logger.Info("provisioning waf middleware", zap.String("version", wafVersion))

	if m.IPBlacklistFile != "" {
		trie, err := loadIPBlacklist(m.IPBlacklistFile)
		if err != nil {
			return fmt.Errorf("loading ip blacklist: %w", err)
		}
		m.ipBlacklist = trie
	}

	if m.DNSBlacklistFile != "" {
		set, err := loadDNSBlacklist(m.DNSBlacklistFile)
		if err != nil {
			return fmt.Errorf("loading dns blacklist: %w", err)
		}
		m.dnsBlacklist = set
	}

	if err := m.CountryBlock.load(); err != nil {
		return fmt.Errorf("loading country_block geoip database: %w", err)
	}
	if err := m.CountryWhitelist.load(); err != nil {
		return fmt.Errorf("loading country_whitelist geoip database: %w", err)
	}

	if m.engine == nil {
		m.engine = NewEngine()
	}
	if m.DeniedURLFile != "" {
		body, err := os.ReadFile(m.DeniedURLFile)
		if err != nil {
			return fmt.Errorf("reading denied_url file %s: %w", m.DeniedURLFile, err)
		}
		m.engine.DeniedURL = string(body)
	}

	if len(m.RuleFiles) > 0 {
		builder := newRuleBuilder(m.engine)
		for _, path := range m.RuleFiles {
			if err := loadRuleFile(path, builder, m.engine, m.ruleCache); err != nil {
				return fmt.Errorf("loading rule file %s: %w", path, err)
			}
		}
	} else if len(m.engine.RulesByPhase) == 0 {
		m.logger.Warn("no rules configured, waf will run without rules")
	}

	m.logger.Info("waf middleware provisioned successfully")
	return nil
}

// Validate implements caddy.Validator.
func (m *Middleware) Validate() error {
	if m.logLevel == 0 {
		m.logLevel = zapcore.InfoLevel
	}
	return nil
}

// Shutdown closes GeoIP readers and logs final rule-hit statistics.
// Grounded on the teacher's Shutdown.
func (m *Middleware) Shutdown(_ context.Context) error {
	var firstErr error

	if err := m.CountryBlock.close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing country_block geoip: %w", err)
	}
	if err := m.CountryWhitelist.close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing country_whitelist geoip: %w", err)
	}

	for ruleID, hits := range m.ruleHitStats() {
		m.logger.Info("rule hit", zap.String("rule_id", ruleID), zap.Int64("hits", hits))
	}

	m.logger.Info("waf middleware shutdown complete")
	return firstErr
}

// ServeHTTP implements caddyhttp.MiddlewareHandler: it builds a request
// context, checks the IP/DNS/GeoIP blacklists, runs the request-phase
// rules, and — if the request isn't blocked — forwards to next into a
// buffering recorder and runs the response-phase rules before flushing the
// buffered reply. Those rules see the same request variables as the
// request phases; no variable exposes the reply's status or body.
func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if m.MetricsEndpoint != "" && r.URL.Path == m.MetricsEndpoint {
		return m.handleMetricsRequest(w)
	}

	m.recordRequest()

	clientIP := extractIP(r.RemoteAddr)

	if ipBlacklisted(m.ipBlacklist, clientIP) {
		m.counters.ipBlacklistHits.Add(1)
		m.logger.Warn("blocked by ip blacklist", zap.String("remote_addr", clientIP))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil
	}

	if hostBlacklisted(m.dnsBlacklist, r.Host) {
		m.counters.dnsBlacklistHits.Add(1)
		m.logger.Warn("blocked by dns blacklist", zap.String("host", r.Host))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil
	}

	geoCountry, geoFound := m.resolveGeoIPCountry(clientIP)
	if m.CountryBlock.Enabled && geoFound && m.CountryBlock.matches(geoCountry) {
		m.counters.geoIPBlocked.Add(1)
		m.logger.Warn("blocked by country_block", zap.String("country", geoCountry))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil
	}
	if m.CountryWhitelist.Enabled && (!geoFound || !m.CountryWhitelist.matches(geoCountry)) {
		m.counters.geoIPBlocked.Add(1)
		m.logger.Warn("blocked by country_whitelist", zap.String("country", geoCountry))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil
	}

	var connCount int
	if m.ConnProcessorEnabled {
		connCount = m.beginConnection(clientIP)
		defer m.endConnection(clientIP)
	}

	ctx := NewRequestContext()
	ctx.RequestID = uuid.NewString()
	ctx.RemoteAddr = clientIP
	ctx.RequestURI = r.URL.RequestURI()
	ctx.RequestMethod = r.Method
	ctx.Host = r.Host
	ctx.UserAgent = r.UserAgent()
	ctx.QueryString = r.URL.RawQuery
	ctx.GeoIPCountry = geoCountry
	ctx.ConnPerIP = connCount

	if r.URL.RawQuery != "" {
		args, _ := SplitForm([]byte(r.URL.RawQuery))
		ctx.Args = args
	}

	if err := m.populateBody(r, ctx); err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}

	m.DebugRequest(r, ctx, "request context populated")

	if matched, err := m.engine.EvaluatePhase(PhaseRequestHeader, ctx); err != nil {
		return err
	} else if matched {
		if handled := m.Intercept(w, r, ctx); handled {
			return nil
		}
	}

	if matched, err := m.engine.EvaluatePhase(PhaseRequestBody, ctx); err != nil {
		return err
	} else if matched {
		if handled := m.Intercept(w, r, ctx); handled {
			return nil
		}
	}

	recorder := NewResponseRecorder(w)
	if err := next.ServeHTTP(recorder, r); err != nil {
		return err
	}

	if matched, err := m.engine.EvaluatePhase(PhaseResponseHeader, ctx); err != nil {
		return err
	} else if matched {
		if handled := m.Intercept(w, r, ctx); handled {
			return nil
		}
	}
	if matched, err := m.engine.EvaluatePhase(PhaseResponseBody, ctx); err != nil {
		return err
	} else if matched {
		if handled := m.Intercept(w, r, ctx); handled {
			return nil
		}
	}

	return recorder.Flush()
}

// populateBody buffers and parses the request body according to its
// content type, setting the body-derived RequestContext fields, grounded
// on §4.2/§4.3 (form splitter and multipart parser) and §7's
// UNCOMMON_CONTENT_TYPE error tag.
func (m *Middleware) populateBody(r *http.Request, ctx *RequestContext) error {
	if r.Body == nil || r.Method != http.MethodPost {
		return nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	r.Body.Close()
	r.Body = io.NopCloser(strings.NewReader(string(raw)))

	if len(raw) == 0 {
		return nil
	}
	ctx.FullBody = raw

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		postArgs, count := SplitForm(raw)
		ctx.PostArgs = postArgs
		ctx.PostArgsCount = count

	case strings.HasPrefix(contentType, "multipart/form-data"):
		result := ProcessMultipart(raw, contentType)
		ctx.MultipartName = result.Names
		ctx.MultipartFilename = result.Filenames
		ctx.MultipartContentType = result.ContentTypes
		if result.ErrorTag != "" {
			ctx.ProcessBodyError = true
			ctx.ProcessBodyErrorMsg = result.ErrorTag
		}

	default:
		ctx.ProcessBodyError = true
		ctx.ProcessBodyErrorMsg = ErrUncommonContentType
	}

	return nil
}

// resolveGeoIPCountry consults whichever of country_block/country_whitelist
// has an open database, preferring country_block's when both are enabled
// against the same address.
func (m *Middleware) resolveGeoIPCountry(addr string) (string, bool) {
	if m.CountryBlock.Enabled {
		if c, ok := m.CountryBlock.lookupCountry(addr); ok {
			return c, true
		}
	}
	if m.CountryWhitelist.Enabled {
		if c, ok := m.CountryWhitelist.lookupCountry(addr); ok {
			return c, true
		}
	}
	return "", false
}

func (m *Middleware) handleMetricsRequest(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	payload, err := json.Marshal(m.snapshotMetrics())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return fmt.Errorf("marshaling metrics: %w", err)
	}
	_, err = w.Write(payload)
	return err
}
