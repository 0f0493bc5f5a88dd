package multi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		raw    string
		result Result
		host   string
		port   int
		uri    string
	}{
		{raw: "http://example.com", result: ResultOK, host: "example.com", port: 80, uri: "/"},
		{raw: "example.com:8080/a?b=c#frag", result: ResultOK, host: "example.com", port: 8080, uri: "/a?b=c"},
		{raw: "HTTP://[::1]:81/x", result: ResultOK, host: "::1", port: 81, uri: "/x"},
		{raw: "", result: ResultURLMalformat},
		{raw: "http://", result: ResultURLMalformat},
		{raw: "http://host:0/", result: ResultURLMalformat},
		{raw: "https://example.com/", result: ResultUnsupportedProtocol},
		{raw: "ftp://example.com/", result: ResultUnsupportedProtocol},
	}
	for _, tc := range cases {
		tgt, res, msg := parseTarget(tc.raw)
		assert.Equal(t, tc.result, res, tc.raw)
		if tc.result != ResultOK {
			assert.NotEmpty(t, msg, tc.raw)
			continue
		}
		require.NotNil(t, tgt, tc.raw)
		assert.Equal(t, tc.host, tgt.host, tc.raw)
		assert.Equal(t, tc.port, tgt.port, tc.raw)
		assert.Equal(t, tc.uri, tgt.u.RequestURI(), tc.raw)
	}
}

func TestHostname(t *testing.T) {
	assert.Equal(t, "example.com", Hostname("example.com/path"))
	assert.Equal(t, "10.0.0.1", Hostname("http://10.0.0.1:80/"))
	assert.Equal(t, "", Hostname("https://example.com"))
}

func TestBuildRequest(t *testing.T) {
	tgt, res, _ := parseTarget("http://example.com:8080/p?q=1")
	require.Equal(t, ResultOK, res)

	req := buildRequest(tgt, "", true)
	assert.Equal(t, "GET /p?q=1 HTTP/1.0\r\n"+
		"Host: example.com:8080\r\n"+
		"User-Agent: "+defaultUserAgent+"\r\n"+
		"Accept: */*\r\n"+
		"Accept-Encoding: gzip, deflate, zstd\r\n"+
		"\r\n", req)

	tgt, _, _ = parseTarget("example.com")
	req = buildRequest(tgt, "ua/2", false)
	assert.Equal(t, "GET / HTTP/1.0\r\nHost: example.com\r\nUser-Agent: ua/2\r\nAccept: */*\r\n\r\n", req)
}

func TestParseHead(t *testing.T) {
	raw := "HTTP/1.0 301 Moved Permanently\r\n" +
		"Location: /next\r\n" +
		"Content-Length: 12\r\n" +
		"Content-Encoding: gzip\r\n\r\n"
	n := splitHeader([]byte(raw + "body"))
	require.Equal(t, len(raw), n)

	head, err := parseHead([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 301, head.status)
	assert.Equal(t, int64(12), head.contentLength)
	assert.Equal(t, "gzip", head.encoding)
	assert.Equal(t, "/next", head.location)
	assert.False(t, head.chunked)
	assert.True(t, isRedirect(head.status))

	head, err = parseHead([]byte("HTTP/1.0 200 OK\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), head.contentLength)
	assert.False(t, isRedirect(head.status))

	_, err = parseHead([]byte("HTTP/1.0 200 OK\r\nContent-Length: nope\r\n\r\n"))
	assert.Error(t, err)

	assert.Equal(t, -1, splitHeader([]byte("HTTP/1.0 200 OK\r\n")))
}
