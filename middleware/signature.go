// Package middleware carries the echo middleware for inbound federation
// requests, chiefly HTTP signature verification.
package middleware

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/cloudflare/wildebeest-sub000/fetch"
	"github.com/cloudflare/wildebeest-sub000/httpsig"
	"github.com/cloudflare/wildebeest-sub000/keys"
	"github.com/cloudflare/wildebeest-sub000/types"
)

var tracer = otel.Tracer("middleware")

const defaultClockSkew = time.Hour

// maxBodyBytes caps how much of an inbound request is buffered for
// digest verification.
const maxBodyBytes = 1 << 20

// SignatureVerifier authenticates inbound requests against the sender's
// published actor key.
type SignatureVerifier struct {
	fetch  *fetch.Client
	config types.FedConfig
}

// NewSignatureVerifier returns a new verifier middleware.
func NewSignatureVerifier(fetch *fetch.Client, config types.FedConfig) *SignatureVerifier {
	return &SignatureVerifier{fetch: fetch, config: config}
}

// Verify checks the Signature and Digest headers of an inbound request.
// On success the sender's actor row is stored on the context under
// "verifiedActor" and the buffered body under "body". A signature that
// fails against the cached key triggers one forced re-fetch of the
// sender's profile before rejecting, so key rotations recover on their
// own.
func (v *SignatureVerifier) Verify(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, span := tracer.Start(c.Request().Context(), "VerifySignature")
		defer span.End()

		req := c.Request()
		p, sig, err := httpsig.ParseSignatureHeader(req.Header.Get("Signature"))
		if err != nil {
			return c.String(http.StatusUnauthorized, "missing or malformed signature")
		}

		body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			span.RecordError(err)
			return c.String(http.StatusBadRequest, "failed to read body")
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		c.Set("body", body)

		if len(body) > 0 {
			if err := httpsig.VerifyDigest(body, req.Header.Get("Digest")); err != nil {
				return c.String(http.StatusUnauthorized, "digest mismatch")
			}
		}

		keyOwner := strings.SplitN(p.KeyID, "#", 2)[0]
		actor, err := v.fetch.GetAndCacheActor(ctx, keyOwner, nil)
		if err != nil {
			log.Println("failed to resolve signing actor:", keyOwner, err)
			return c.String(http.StatusUnauthorized, "unknown signing actor")
		}

		err = v.verifyAgainst(req, p, sig, actor)
		if errors.Is(err, httpsig.ErrSignatureMismatch) {
			// The cached key may be stale after a rotation.
			refreshed, refreshErr := v.fetch.RefreshActor(ctx, keyOwner, nil)
			if refreshErr != nil {
				log.Println("failed to refresh signing actor:", keyOwner, refreshErr)
				return c.String(http.StatusUnauthorized, "signature verification failed")
			}
			actor = refreshed
			err = v.verifyAgainst(req, p, sig, actor)
		}
		if err != nil {
			return c.String(http.StatusUnauthorized, "signature verification failed")
		}

		c.Set("verifiedActor", actor)
		return next(c)
	}
}

func (v *SignatureVerifier) verifyAgainst(req *http.Request, p httpsig.Params, sig []byte, actor types.Actor) error {
	if actor.PublicKey == "" {
		return errors.New("signing actor has no published key")
	}
	pub, err := keys.ParsePublicKey(actor.PublicKey)
	if err != nil {
		return err
	}

	skew := defaultClockSkew
	if v.config.ClockSkewSeconds > 0 {
		skew = time.Duration(v.config.ClockSkewSeconds) * time.Second
	}
	return httpsig.VerifyRequest(req, p, sig, pub, skew)
}
