package controlplane

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// signingTransport signs every outgoing request with the inter-plane
// shared secret. The control plane verifies the same construction:
// base64(HMAC-SHA256(secret, "METHOD|PATH|BODY|TIMESTAMP")) in
// X-Signature, with the unix timestamp in X-Timestamp.
type signingTransport struct {
	secret []byte
	base   http.RoundTripper
	now    func() time.Time
}

func newSigningTransport(secret string, base http.RoundTripper) *signingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &signingTransport{
		secret: []byte(secret),
		base:   base,
		now:    time.Now,
	}
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body for signing: %w", err)
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	timestamp := t.now().Unix()

	req.Header.Set("X-Signature", t.sign(req.Method, req.URL.RequestURI(), body, timestamp))
	req.Header.Set("X-Timestamp", strconv.FormatInt(timestamp, 10))

	return t.base.RoundTrip(req)
}

func (t *signingTransport) sign(method, pathAndQuery string, body []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, t.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%d", method, pathAndQuery, body, timestamp)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
