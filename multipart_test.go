package caddywaf

import "testing"

func TestExtractBoundary(t *testing.T) {
	b, ok := extractBoundary(`multipart/form-data; boundary=----WebKitFormBoundaryABC123`)
	if !ok || b != "----WebKitFormBoundaryABC123" {
		t.Fatalf("got %q ok=%v", b, ok)
	}
}

func TestExtractBoundaryQuoted(t *testing.T) {
	b, ok := extractBoundary(`multipart/form-data; boundary="abc123"`)
	if !ok || b != "abc123" {
		t.Fatalf("got %q ok=%v", b, ok)
	}
}

func TestExtractBoundaryMissing(t *testing.T) {
	if _, ok := extractBoundary("multipart/form-data"); ok {
		t.Fatal("expected ok=false when no boundary parameter is present")
	}
}

func TestExtractBoundaryTooLong(t *testing.T) {
	long := make([]byte, maxBoundaryLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, ok := extractBoundary("multipart/form-data; boundary=" + string(long)); ok {
		t.Fatal("expected ok=false for an over-long boundary")
	}
}

func TestProcessDispositionNameOnly(t *testing.T) {
	name, _, hasFilename := processDisposition([]byte(`Content-Disposition: form-data; name="field1"`))
	if string(name) != "field1" || hasFilename {
		t.Fatalf("got name=%q hasFilename=%v", name, hasFilename)
	}
}

func TestProcessDispositionWithFilename(t *testing.T) {
	name, filename, hasFilename := processDisposition([]byte(`Content-Disposition: form-data; name="upload"; filename="report.pdf"`))
	if string(name) != "upload" || string(filename) != "report.pdf" || !hasFilename {
		t.Fatalf("got name=%q filename=%q hasFilename=%v", name, filename, hasFilename)
	}
}

func TestProcessDispositionEscapedQuote(t *testing.T) {
	_, filename, hasFilename := processDisposition([]byte(`Content-Disposition: form-data; name="f"; filename="my\"file.txt"`))
	if !hasFilename || string(filename) != `my"file.txt` {
		t.Fatalf("got filename=%q hasFilename=%v", filename, hasFilename)
	}
}

func TestCheckFilenameSanity(t *testing.T) {
	if checkFilenameSanity("exploit.js", "text/html") {
		t.Error("a non-.html filename declared as text/html should fail the sanity check")
	}
	if !checkFilenameSanity("page.html", "text/html") {
		t.Error("an .html filename declared as text/html should pass the sanity check")
	}
	if checkFilenameSanity("shell.php", "application/octet-stream") {
		t.Error("a .php filename (missing .jsp) declared as application/octet-stream should fail the sanity check")
	}
	if !checkFilenameSanity("report.pdf", "application/pdf") {
		t.Error("an unrelated content-type should pass the sanity check regardless of filename")
	}
}

func buildMultipartBody(boundary string, parts ...string) []byte {
	body := "--" + boundary + "\r\n"
	for i, p := range parts {
		body += p
		if i == len(parts)-1 {
			body += "\r\n--" + boundary + "--"
		} else {
			body += "\r\n--" + boundary + "\r\n"
		}
	}
	return []byte(body)
}

func TestProcessMultipartSimpleFields(t *testing.T) {
	const boundary = "XYZ"
	body := buildMultipartBody(boundary,
		"Content-Disposition: form-data; name=\"field1\"\r\n\r\nvalue1",
		"Content-Disposition: form-data; name=\"field2\"\r\n\r\nvalue2",
	)

	result := ProcessMultipart(body, "multipart/form-data; boundary="+boundary)
	if result.ErrorTag != "" {
		t.Fatalf("unexpected error tag: %s", result.ErrorTag)
	}
	if len(result.Names) != 2 || string(result.Names[0]) != "field1" || string(result.Names[1]) != "field2" {
		t.Fatalf("got names=%v", result.Names)
	}
}

func TestProcessMultipartFileUpload(t *testing.T) {
	const boundary = "XYZ"
	body := buildMultipartBody(boundary,
		"Content-Disposition: form-data; name=\"file\"; filename=\"report.pdf\"\r\nContent-Type: application/pdf\r\n\r\n%PDF-1.4 data",
	)

	result := ProcessMultipart(body, "multipart/form-data; boundary="+boundary)
	if result.ErrorTag != "" {
		t.Fatalf("unexpected error tag: %s", result.ErrorTag)
	}
	if len(result.Filenames) != 1 || string(result.Filenames[0]) != "report.pdf" {
		t.Fatalf("got filenames=%v", result.Filenames)
	}
	if len(result.ContentTypes) != 1 || string(result.ContentTypes[0]) != "application/pdf" {
		t.Fatalf("got contentTypes=%v", result.ContentTypes)
	}
}

func TestProcessMultipartFlagsSuspiciousFilename(t *testing.T) {
	const boundary = "XYZ"
	body := buildMultipartBody(boundary,
		"Content-Disposition: form-data; name=\"file\"; filename=\"shell.php\"\r\nContent-Type: application/octet-stream\r\n\r\n<?php system($_GET['c']); ?>",
	)

	result := ProcessMultipart(body, "multipart/form-data; boundary="+boundary)
	if result.ErrorTag != ErrUncommonFilename {
		t.Fatalf("got ErrorTag=%q, want %q", result.ErrorTag, ErrUncommonFilename)
	}
}

func TestProcessMultipartFlagsHTMLContentTypeMismatch(t *testing.T) {
	const boundary = "XYZ"
	body := buildMultipartBody(boundary,
		"Content-Disposition: form-data; name=\"file\"; filename=\"exploit.js\"\r\nContent-Type: text/html\r\n\r\n<script>",
	)

	result := ProcessMultipart(body, "multipart/form-data; boundary="+boundary)
	if result.ErrorTag != ErrUncommonFilename {
		t.Fatalf("got ErrorTag=%q, want %q", result.ErrorTag, ErrUncommonFilename)
	}
}

func TestProcessMultipartFlagsNullByteFilename(t *testing.T) {
	const boundary = "XYZ"
	body := buildMultipartBody(boundary,
		"Content-Disposition: form-data; name=\"file\"; filename=\"shell.php%00.jpg\"\r\nContent-Type: image/jpeg\r\n\r\ndata",
	)

	result := ProcessMultipart(body, "multipart/form-data; boundary="+boundary)
	if result.ErrorTag != ErrUncommonHexEncoding {
		t.Fatalf("got ErrorTag=%q, want %q", result.ErrorTag, ErrUncommonHexEncoding)
	}
}

func TestProcessMultipartMissingBoundary(t *testing.T) {
	result := ProcessMultipart([]byte("irrelevant"), "multipart/form-data")
	if result.ErrorTag != ErrUncommonContentType {
		t.Fatalf("got ErrorTag=%q, want %q", result.ErrorTag, ErrUncommonContentType)
	}
}

func TestProcessMultipartBoundaryNeverFound(t *testing.T) {
	result := ProcessMultipart([]byte("no boundary marker here"), "multipart/form-data; boundary=XYZ")
	if result.ErrorTag != ErrUncommonPostBoundary {
		t.Fatalf("got ErrorTag=%q, want %q", result.ErrorTag, ErrUncommonPostBoundary)
	}
}
