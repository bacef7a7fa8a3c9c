package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Snapshot returns the HTTP/1.1 representation of a response, to be stored.
// The body is read exactly once. Afterwards res.Body is replaced with a reader over
// a separate copy, so consuming the caller's response never touches the snapshot
// and vice versa.
func Snapshot(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("could not read response body: %w", err)
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return Encode(res, clone(body))
}

// Encode returns the HTTP/1.1 representation of a response with the given body.
// The body of res itself is neither read nor modified.
func Encode(res *http.Response, body []byte) ([]byte, error) {
	// write a shallow copy with explicit framing so the stored bytes
	// do not depend on how the origin framed the body
	framed := *res
	framed.Proto, framed.ProtoMajor, framed.ProtoMinor = "HTTP/1.1", 1, 1
	framed.TransferEncoding = nil
	framed.Close = false
	framed.Uncompressed = false
	framed.Trailer = nil
	framed.ContentLength = int64(len(body))
	framed.Body = io.NopCloser(bytes.NewReader(body))

	buf := &bytes.Buffer{}
	if err := framed.Write(buf); err != nil {
		return nil, fmt.Errorf("could not serialize response: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore converts stored bytes back to a readable http.Response.
// The request is attached to the response, if given.
func Restore(b []byte, req *http.Request) (*http.Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return nil, fmt.Errorf("could not read stored response: %w", err)
	}
	return res, nil
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
