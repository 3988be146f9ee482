// Package caddywaf implements a Web Application Firewall rule engine and
// request body processor as a Caddy HTTP handler.
//
// Module ID: http.handlers.waf
// Module type: HTTP handler middleware
//
// The module parses request bodies for recognized form encodings,
// extracts a fixed set of named variables (ARGS, ARGS_POST,
// MULTIPART_NAME, MULTIPART_FILENAME, MULTIPART_CONTENT_TYPE,
// POST_ARGS_COUNT, PROCESS_BODY_ERROR, CONN_PER_IP, plus host-exposed
// request fields), and evaluates an ordered, phase-bucketed rule set
// against them. Rules may chain (conjunction across successive rules) and
// a block list can escalate an otherwise-allowed match to a block.
//
// It additionally supports an IP/DNS blacklist, GeoIP country filtering,
// and custom per-status denial responses, and exposes a JSON metrics
// endpoint.
//
// Basic usage in Caddyfile:
//
//	waf {
//	    rule $ARGS|$ARGS_POST "regex:(?i)union.+select" "id:1001" "phase:2" "lev:block" "status:403"
//	    rule_file /etc/caddy/waf-rules.conf
//	    block_list $REMOTE_ADDR "^10\.0\.0\.5$"
//	    denied_url /etc/caddy/denied.html
//	    ip_blacklist_file /etc/caddy/ip-blacklist.txt
//	    metrics_endpoint /waf_metrics
//	}
package caddywaf
