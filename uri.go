package caddywaf

// unescapeState tracks progress through a percent-escape sequence.
type unescapeState int

const (
	stateUsual unescapeState = iota
	stateQuotedFirst
	stateQuotedSecond
)

// UnescapeMode selects URI-terminating behavior on a bare '?'.
type UnescapeMode int

const (
	// UnescapeForm is the default mode used for query/body value decoding:
	// '?' has no special meaning, '+' decodes to a space.
	UnescapeForm UnescapeMode = iota
	// UnescapeURI stops decoding right after the first '?', whether it is
	// literal or decoded from %3F.
	UnescapeURI
	// UnescapeRedirect stops right after a literal '?' like UnescapeURI, and
	// re-emits in %XX form any valid escape that decodes to a byte at or
	// below '%' or at or above 0x7f.
	UnescapeRedirect
)

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b|0x20 >= 'a' && b|0x20 <= 'f')
}

func hexVal(b byte) byte {
	if b >= '0' && b <= '9' {
		return b - '0'
	}
	return (b | 0x20) - 'a' + 10
}

func hexDigit(nibble byte) byte {
	if nibble < 10 {
		return nibble + '0'
	}
	return nibble - 10 + 'a'
}

// UnescapeURIBytes decodes percent-escapes in src into dst, which must have
// a length of at least len(src). Decoding never writes more bytes than it
// has read (an invalid escape is copied through unchanged), so src itself
// may serve as dst. It returns the number of bytes written and the count of
// invalid escape sequences encountered.
//
// This is a direct translation of ngx_yy_sec_waf_unescape_uri: a three-state
// machine (usual / quoted-first / quoted-second) that treats a malformed
// escape as literal text rather than failing the whole decode.
func UnescapeURIBytes(dst, src []byte, mode UnescapeMode) (n int, bad int) {
	state := stateUsual
	var decoded byte
	d := 0

	for i := 0; i < len(src); i++ {
		ch := src[i]

		switch state {
		case stateUsual:
			if ch == '?' && (mode == UnescapeURI || mode == UnescapeRedirect) {
				dst[d] = ch
				d++
				return d, bad
			}

			if ch == '%' {
				state = stateQuotedFirst
				continue
			}

			if ch == '+' {
				ch = ' '
			}

			dst[d] = ch
			d++

		case stateQuotedFirst:
			if isHexDigit(ch) {
				decoded = hexVal(ch)
				state = stateQuotedSecond
				continue
			}

			bad++
			state = stateUsual
			dst[d] = '%'
			d++
			dst[d] = ch
			d++

		case stateQuotedSecond:
			state = stateUsual

			if isHexDigit(ch) {
				out := (decoded << 4) + hexVal(ch)

				if mode == UnescapeRedirect {
					if out > '%' && out < 0x7f {
						dst[d] = out
						d++
						continue
					}
					dst[d] = '%'
					dst[d+1] = src[i-1]
					dst[d+2] = src[i]
					d += 3
					continue
				}

				if mode == UnescapeURI && out == '?' {
					dst[d] = out
					d++
					return d, bad
				}

				dst[d] = out
				d++
				continue
			}

			bad++
			dst[d] = '%'
			dst[d+1] = hexDigit(decoded)
			dst[d+2] = ch
			d += 3
		}
	}

	// An escape cut short by the end of src is malformed as well: emit the
	// bytes it consumed as literal text.
	switch state {
	case stateQuotedFirst:
		bad++
		dst[d] = '%'
		d++
	case stateQuotedSecond:
		bad++
		dst[d] = '%'
		dst[d+1] = hexDigit(decoded)
		d += 2
	}

	return d, bad
}

// Unescape decodes b in place and returns the number of null bytes (0x00)
// present in the decoded result. Used by the multipart parser to reject
// %00 smuggling in filenames.
func Unescape(b []byte) (out []byte, nullBytes int) {
	n, _ := UnescapeURIBytes(b, b, UnescapeForm)
	out = b[:n]
	for _, c := range out {
		if c == 0x00 {
			nullBytes++
		}
	}
	return out, nullBytes
}
