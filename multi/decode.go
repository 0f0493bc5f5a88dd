package multi

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncodings 是请求头 Accept-Encoding 的取值
const AcceptEncodings = "gzip, deflate, zstd"

var (
	gzipPool = sync.Pool{}
	zstdPool = sync.Pool{New: func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	}}
)

func getZstd() *zstd.Decoder  { return zstdPool.Get().(*zstd.Decoder) }
func putZstd(d *zstd.Decoder) { zstdPool.Put(d) }

func getGzip(r io.Reader) (*gzip.Reader, error) {
	if v := gzipPool.Get(); v != nil {
		zr := v.(*gzip.Reader)
		if err := zr.Reset(r); err != nil {
			gzipPool.Put(zr)
			return nil, err
		}
		return zr, nil
	}
	return gzip.NewReader(r)
}

func putGzip(zr *gzip.Reader) { gzipPool.Put(zr) }

type decodeError struct {
	result Result
	msg    string
}

func (e *decodeError) Error() string { return e.msg }

// decodeBody 按 Content-Encoding 逆序解码。identity 与空值原样返回。
func decodeBody(encoding string, body []byte) ([]byte, error) {
	codings := strings.Split(encoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		c := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		switch c {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			body, err = gunzip(body)
		case "deflate":
			body, err = inflate(body)
		case "zstd":
			body, err = unzstd(body)
		default:
			return nil, &decodeError{
				result: ResultBadContentEncoding,
				msg:    "Unrecognized content encoding type, supported encodings are deflate, gzip, zstd.",
			}
		}
		if err != nil {
			return nil, &decodeError{
				result: ResultBadContentEncoding,
				msg:    fmt.Sprintf("Error while processing content unencoding: %v", err),
			}
		}
	}
	return body, nil
}

func gunzip(p []byte) ([]byte, error) {
	zr, err := getGzip(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer putGzip(zr)
	return io.ReadAll(zr)
}

// inflate 先按 zlib 解码，失败时按裸 deflate 重试
func inflate(p []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(p)); err == nil {
		out, err := io.ReadAll(zr)
		zr.Close()
		if err == nil {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(p))
	defer fr.Close()
	return io.ReadAll(fr)
}

func unzstd(p []byte) ([]byte, error) {
	dec := getZstd()
	defer putZstd(dec)
	return dec.DecodeAll(p, nil)
}
