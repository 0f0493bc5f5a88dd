package multi

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// maxHeaderSize 响应头的上限
	maxHeaderSize = 64 << 10

	defaultUserAgent = "gfetch/1.0"
)

var headerEnd = []byte("\r\n\r\n")

// target 一次请求的目标
type target struct {
	u    *url.URL
	host string
	port int
}

// parseTarget 解析 URL，缺少 scheme 时按 http 处理。
func parseTarget(raw string) (*target, Result, string) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, ResultURLMalformat, "No URL set"
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, ResultURLMalformat, fmt.Sprintf("URL rejected: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" {
		return nil, ResultUnsupportedProtocol, fmt.Sprintf("Protocol %q not supported", u.Scheme)
	}
	u.Scheme = scheme
	host := u.Hostname()
	if host == "" {
		return nil, ResultURLMalformat, "No host part in the URL"
	}
	port := 80
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return nil, ResultURLMalformat, "Port number was not a decimal number between 0 and 65535"
		}
		port = n
	}
	u.Fragment = ""
	return &target{u: u, host: host, port: port}, ResultOK, ""
}

// Hostname 返回 URL 中的主机名，无法解析时返回空串。
func Hostname(raw string) string {
	t, res, _ := parseTarget(raw)
	if res != ResultOK {
		return ""
	}
	return t.host
}

func (t *target) hostHeader() string {
	if t.u.Port() == "" && t.port != 80 {
		return net.JoinHostPort(t.host, strconv.Itoa(t.port))
	}
	return t.u.Host
}

// buildRequest 生成 HTTP/1.0 GET 请求
func buildRequest(t *target, userAgent string, acceptEncoding bool) string {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(t.u.RequestURI())
	b.WriteString(" HTTP/1.0\r\nHost: ")
	b.WriteString(t.hostHeader())
	b.WriteString("\r\nUser-Agent: ")
	b.WriteString(userAgent)
	b.WriteString("\r\nAccept: */*\r\n")
	if acceptEncoding {
		b.WriteString("Accept-Encoding: ")
		b.WriteString(AcceptEncodings)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// responseHead 解析后的响应头
type responseHead struct {
	status        int
	contentLength int64
	encoding      string
	chunked       bool
	location      string
}

// splitHeader 在 buf 中查找头部结束位置，返回头部长度（含空行）。
func splitHeader(buf []byte) int {
	i := bytes.Index(buf, headerEnd)
	if i < 0 {
		return -1
	}
	return i + len(headerEnd)
}

func parseHead(hdr []byte) (*responseHead, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(hdr)), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	h := &responseHead{
		status:        resp.StatusCode,
		contentLength: resp.ContentLength,
		encoding:      resp.Header.Get("Content-Encoding"),
		location:      resp.Header.Get("Location"),
	}
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			h.chunked = true
			h.contentLength = -1
		}
	}
	return h, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
