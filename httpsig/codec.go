// Package httpsig implements the HTTP message-signature scheme used for
// federated requests: canonical signing-string construction, request
// signing, signature parsing and verification, and body digests.
package httpsig

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RequestTarget is the pseudo-component covering the request line.
const RequestTarget = "@request-target"

type Algorithm string

const (
	AlgorithmRSASHA256 Algorithm = "rsa-sha256"
	AlgorithmRSASHA512 Algorithm = "rsa-sha512"

	// AlgorithmHS2019 is the legacy opaque marker; the key's declared
	// type decides the actual algorithm.
	AlgorithmHS2019 Algorithm = "hs2019"
)

var (
	ErrMissingSignature     = errors.New("httpsig: missing signature header")
	ErrMalformedSignature   = errors.New("httpsig: malformed signature header")
	ErrMissingCreated       = errors.New("httpsig: signature has no created parameter")
	ErrClockSkew            = errors.New("httpsig: signature created outside the clock skew window")
	ErrSignatureExpired     = errors.New("httpsig: signature expired")
	ErrSignatureMismatch    = errors.New("httpsig: signature does not match")
	ErrUnsupportedAlgorithm = errors.New("httpsig: unsupported signature algorithm")
	ErrDigestMismatch       = errors.New("httpsig: digest header does not match body")
)

// Params are the signature parameters carried alongside the signature
// itself. Headers lists the ordinary signed header names in the order
// they were signed; the request-target, created and expires components
// are always covered and never appear in Headers.
type Params struct {
	KeyID   string
	Alg     Algorithm
	Created int64
	Expires int64
	Headers []string
}

// SigningString builds the exact newline-joined string that gets signed
// and verified. Both sides must reconstruct it byte for byte: component
// order is request-target, created, expires (when set), then each header
// in Params order, with header values whitespace-collapsed and numeric
// parameters encoded as Unix seconds.
func SigningString(req *http.Request, p Params) (string, error) {
	if p.Created == 0 {
		return "", ErrMissingCreated
	}

	lines := make([]string, 0, len(p.Headers)+3)
	lines = append(lines, RequestTarget+": "+strings.ToLower(req.Method)+" "+requestPath(req))
	lines = append(lines, "@created: "+strconv.FormatInt(p.Created, 10))
	if p.Expires != 0 {
		lines = append(lines, "@expires: "+strconv.FormatInt(p.Expires, 10))
	}

	for _, h := range p.Headers {
		name := strings.ToLower(h)
		value := req.Header.Get(name)
		if name == "host" && value == "" {
			value = req.Host
		}
		if value == "" {
			return "", errors.Wrapf(ErrMalformedSignature, "signed header %q not present", name)
		}
		lines = append(lines, name+": "+collapseWhitespace(value))
	}

	return strings.Join(lines, "\n"), nil
}

// String renders the Signature-Input style parameter string, without the
// signature value itself.
func (p Params) String() string {
	var b strings.Builder
	b.WriteString(`keyId="` + p.KeyID + `"`)
	if p.Alg != "" {
		b.WriteString(`,algorithm="` + string(p.Alg) + `"`)
	}
	b.WriteString(",created=" + strconv.FormatInt(p.Created, 10))
	if p.Expires != 0 {
		b.WriteString(",expires=" + strconv.FormatInt(p.Expires, 10))
	}
	components := append([]string{RequestTarget, "@created"}, p.Headers...)
	if p.Expires != 0 {
		components = append([]string{RequestTarget, "@created", "@expires"}, p.Headers...)
	}
	b.WriteString(`,headers="` + strings.Join(components, " ") + `"`)
	return b.String()
}

// ParseSignatureHeader decodes a Signature header value back into its
// parameters and the raw signature bytes.
func ParseSignatureHeader(value string) (Params, []byte, error) {
	if value == "" {
		return Params{}, nil, ErrMissingSignature
	}

	var p Params
	var sig []byte
	for _, field := range splitFields(value) {
		k, v, found := strings.Cut(field, "=")
		if !found {
			return Params{}, nil, ErrMalformedSignature
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"`)

		switch strings.ToLower(k) {
		case "keyid":
			p.KeyID = v
		case "algorithm":
			p.Alg = Algorithm(v)
		case "created":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Params{}, nil, ErrMalformedSignature
			}
			p.Created = n
		case "expires":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Params{}, nil, ErrMalformedSignature
			}
			p.Expires = n
		case "headers":
			for _, h := range strings.Fields(v) {
				if strings.HasPrefix(h, "@") {
					continue
				}
				p.Headers = append(p.Headers, strings.ToLower(h))
			}
		case "signature":
			decoded, err := base64decode(v)
			if err != nil {
				return Params{}, nil, ErrMalformedSignature
			}
			sig = decoded
		}
	}

	if p.KeyID == "" || len(sig) == 0 {
		return Params{}, nil, ErrMalformedSignature
	}
	if p.Created == 0 {
		return Params{}, nil, ErrMissingCreated
	}

	return p, sig, nil
}

// splitFields splits on commas that are not inside quoted values.
func splitFields(value string) []string {
	var fields []string
	var current strings.Builder
	inQuotes := false
	for _, r := range value {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			fields = append(fields, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}

func requestPath(req *http.Request) string {
	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	return path
}

func collapseWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
