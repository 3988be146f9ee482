package caddywaf

import "strconv"

// Variable identifies one entry in the variable registry by index, the way
// ngx_http_get_variable_index resolves a name to an integer once at rule
// parse time (variableIndex, a lookup in the variableNames map, plays that
// role here).
type Variable int

const (
	VarARGS Variable = iota
	VarARGSPost
	VarPostArgsCount
	VarProcessBodyError
	VarMultipartName
	VarMultipartFilename
	VarMultipartContentType
	VarConnPerIP

	// Host-exposed variables (§4.4's "plus whatever variables the host
	// itself exposes"): resolved directly from the request, not from body
	// processing state.
	VarRemoteAddr
	VarRequestURI
	VarRequestMethod
	VarHost
	VarUserAgent
	VarQueryString
	VarGeoIPCountry

	variableCount
)

// variableNames maps the token rules reference a variable by (e.g. "ARGS"
// in "$ARGS|$ARGS_POST") to its registry index.
var variableNames = map[string]Variable{
	"ARGS":                   VarARGS,
	"ARGS_POST":              VarARGSPost,
	"POST_ARGS_COUNT":        VarPostArgsCount,
	"PROCESS_BODY_ERROR":     VarProcessBodyError,
	"MULTIPART_NAME":         VarMultipartName,
	"MULTIPART_FILENAME":     VarMultipartFilename,
	"MULTIPART_CONTENT_TYPE": VarMultipartContentType,
	"CONN_PER_IP":            VarConnPerIP,
	"REMOTE_ADDR":            VarRemoteAddr,
	"REQUEST_URI":            VarRequestURI,
	"REQUEST_METHOD":         VarRequestMethod,
	"HOST":                   VarHost,
	"USER_AGENT":             VarUserAgent,
	"QUERY_STRING":           VarQueryString,
	"GEOIP_COUNTRY":          VarGeoIPCountry,
}

// variableIndex resolves a bare variable name (without leading '$') to its
// registry index. Unknown names are a configuration-time error.
func variableIndex(name string) (Variable, bool) {
	v, ok := variableNames[name]
	return v, ok
}

// processBodyErrorTrue is the canonical "true" sentinel value for
// PROCESS_BODY_ERROR, mirroring ngx_http_variable_true_value.
const processBodyErrorTrue = "1"

// resolveVariable computes the byte value of v for the current request,
// reporting found=false when the variable is absent (the rule evaluator
// treats an absent variable as AGAIN, not as an operator error).
//
// ARGS and ARGS_POST share a resolver, per the original's identical
// get_handler registration for both names (see DESIGN.md's Open Question
// decision).
func resolveVariable(v Variable, ctx *RequestContext) (value string, found bool) {
	switch v {
	case VarARGS, VarARGSPost:
		return resolveArgs(ctx)

	case VarPostArgsCount:
		if ctx.PostArgsCount == 0 {
			return "", false
		}
		return strconv.Itoa(ctx.PostArgsCount), true

	case VarProcessBodyError:
		if ctx.ProcessBodyError {
			return processBodyErrorTrue, true
		}
		return "", false

	case VarMultipartName:
		return joinParts(ctx.MultipartName)

	case VarMultipartFilename:
		return joinParts(ctx.MultipartFilename)

	case VarMultipartContentType:
		return joinParts(ctx.MultipartContentType)

	case VarConnPerIP:
		if ctx.ConnPerIP == 0 {
			return "", false
		}
		return strconv.Itoa(ctx.ConnPerIP), true

	case VarRemoteAddr:
		if ctx.RemoteAddr == "" {
			return "", false
		}
		return ctx.RemoteAddr, true

	case VarRequestURI:
		if ctx.RequestURI == "" {
			return "", false
		}
		return ctx.RequestURI, true

	case VarRequestMethod:
		if ctx.RequestMethod == "" {
			return "", false
		}
		return ctx.RequestMethod, true

	case VarHost:
		if ctx.Host == "" {
			return "", false
		}
		return ctx.Host, true

	case VarUserAgent:
		if ctx.UserAgent == "" {
			return "", false
		}
		return ctx.UserAgent, true

	case VarQueryString:
		if ctx.QueryString == "" {
			return "", false
		}
		return ctx.QueryString, true

	case VarGeoIPCountry:
		if ctx.GeoIPCountry == "" {
			return "", false
		}
		return ctx.GeoIPCountry, true
	}

	return "", false
}

// resolveArgs implements the ARGS/ARGS_POST resolver: ctx.Args, concatenated
// with ctx.PostArgs via a ',' separator when post args are present. It also
// selects ctx.RawString from the request method, matching
// yy_sec_waf_get_args's side effect of pointing raw_string at full_body for
// POST and at the query args for GET.
func resolveArgs(ctx *RequestContext) (string, bool) {
	if len(ctx.Args) == 0 && len(ctx.PostArgs) == 0 {
		return "", false
	}

	if ctx.RequestMethod == "POST" {
		ctx.RawString = ctx.FullBody
	} else if ctx.RequestMethod == "GET" {
		ctx.RawString = []byte(ctx.QueryString)
	}

	if len(ctx.PostArgs) == 0 {
		return string(ctx.Args), true
	}

	combined := make([]byte, 0, len(ctx.Args)+1+len(ctx.PostArgs))
	combined = append(combined, ctx.Args...)
	combined = append(combined, ',')
	combined = append(combined, ctx.PostArgs...)
	return string(combined), true
}

func joinParts(parts [][]byte) (string, bool) {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total == 0 {
		return "", false
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return string(out), true
}
