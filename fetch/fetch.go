// Package fetch retrieves remote federation documents: actor profiles,
// objects and webfinger records. Fetched actors are persisted through
// the store and fronted by memcached so repeated signature checks do not
// hammer the origin server.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/cloudflare/wildebeest-sub000/httpsig"
	"github.com/cloudflare/wildebeest-sub000/store"
	"github.com/cloudflare/wildebeest-sub000/types"
)

var tracer = otel.Tracer("fetch")

// actorCacheTTL caps how long a cached remote actor is trusted before
// the next lookup goes back to the database row.
const actorCacheTTL = 1800

// UserAgent identifies this node on outbound federation requests.
var UserAgent = "wildebeest-sub000/1.0"

// Client fetches and caches remote federation documents.
type Client struct {
	mc     *memcache.Client
	store  *store.Store
	config types.FedConfig
	http   *http.Client
}

// NewClient returns a new fetch client.
func NewClient(mc *memcache.Client, store *store.Store, config types.FedConfig) *Client {
	return &Client{
		mc:     mc,
		store:  store,
		config: config,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchActor retrieves a remote actor document without touching any
// cache. When signer is a local actor the request is signed with its
// key; some servers reject unsigned fetches.
func (c *Client) FetchActor(ctx context.Context, actorID string, signer *types.Actor) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "FetchActor")
	defer span.End()

	body, err := c.signedGet(ctx, actorID, signer)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	raw, err := types.LoadAsRawApObj(body)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "parse actor document")
	}

	id, ok := raw.GetString("id")
	if !ok || id == "" {
		return nil, errors.New("actor document has no id")
	}
	if _, ok := raw.GetString("type"); !ok {
		return nil, errors.New("actor document has no type")
	}
	return raw, nil
}

// GetAndCacheActor returns the actor row for an id, fetching and
// persisting the remote document on a miss. Lookup order is memcached,
// then the database, then the wire.
func (c *Client) GetAndCacheActor(ctx context.Context, actorID string, signer *types.Actor) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "GetAndCacheActor")
	defer span.End()

	if item, err := c.mc.Get(actorCacheKey(actorID)); err == nil {
		var actor types.Actor
		if err := json.Unmarshal(item.Value, &actor); err == nil {
			return actor, nil
		}
		log.Println("broken actor cache entry:", actorID)
	}

	actor, err := c.store.GetActorByID(ctx, actorID)
	if err == nil {
		c.cacheActor(actor)
		return actor, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		span.RecordError(err)
		return types.Actor{}, err
	}

	raw, err := c.FetchActor(ctx, actorID, signer)
	if err != nil {
		return types.Actor{}, err
	}
	// A document claiming a different id than the URL it was fetched
	// from must not poison the cache.
	if raw.MustGetString("id") != actorID {
		return types.Actor{}, errors.Errorf("actor document id %q does not match %q", raw.MustGetString("id"), actorID)
	}

	actor, err = c.persistActor(ctx, raw)
	if err != nil {
		span.RecordError(err)
		return types.Actor{}, err
	}
	c.cacheActor(actor)
	return actor, nil
}

// RefreshActor forces a re-fetch of an already-cached actor and updates
// the stored profile and key. Used when a signature fails against the
// cached key, so a legitimate key rotation does not wedge the peer.
func (c *Client) RefreshActor(ctx context.Context, actorID string, signer *types.Actor) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "RefreshActor")
	defer span.End()

	raw, err := c.FetchActor(ctx, actorID, signer)
	if err != nil {
		span.RecordError(err)
		return types.Actor{}, err
	}

	if err := c.mc.Delete(actorCacheKey(actorID)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		log.Println("failed to evict actor cache:", err)
	}

	if err := c.store.UpdateActorProperties(ctx, actorID, raw.GetData()); err != nil {
		span.RecordError(err)
		return types.Actor{}, err
	}
	if pem, ok := raw.GetString("publicKey.publicKeyPem"); ok {
		if err := c.store.UpdateActorPublicKey(ctx, actorID, pem); err != nil {
			span.RecordError(err)
			return types.Actor{}, err
		}
	}

	actor, err := c.store.GetActorByID(ctx, actorID)
	if err != nil {
		return types.Actor{}, err
	}
	c.cacheActor(actor)
	return actor, nil
}

// FetchObject retrieves a remote object document.
func (c *Client) FetchObject(ctx context.Context, objectID string, signer *types.Actor) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "FetchObject")
	defer span.End()

	body, err := c.signedGet(ctx, objectID, signer)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	raw, err := types.LoadAsRawApObj(body)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "parse object document")
	}
	return raw, nil
}

// ResolveActor resolves an "user@domain" handle to an actor URL via the
// remote server's webfinger endpoint.
func (c *Client) ResolveActor(ctx context.Context, handle string) (string, error) {
	ctx, span := tracer.Start(ctx, "ResolveActor")
	defer span.End()

	handle = strings.TrimPrefix(handle, "@")
	parts := strings.Split(handle, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", errors.Errorf("invalid handle: %s", handle)
	}

	endpoint := "https://" + parts[1] + "/.well-known/webfinger?resource=" +
		url.QueryEscape("acct:"+handle)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "create webfinger request")
	}
	req.Header.Set("Accept", types.JRDJSONType)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", errors.Wrap(err, "webfinger request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("webfinger returned status %d for %s", resp.StatusCode, handle)
	}

	var finger types.WebFinger
	if err := json.NewDecoder(resp.Body).Decode(&finger); err != nil {
		return "", errors.Wrap(err, "decode webfinger response")
	}

	for _, link := range finger.Links {
		if link.Rel == "self" && link.Href != "" {
			return link.Href, nil
		}
	}
	return "", errors.Errorf("no self link in webfinger response for %s", handle)
}

// persistActor converts a fetched document to a row and stores it.
func (c *Client) persistActor(ctx context.Context, raw *types.RawApObj) (types.Actor, error) {
	id := raw.MustGetString("id")
	pem, _ := raw.GetString("publicKey.publicKeyPem")

	props, err := json.Marshal(raw.GetData())
	if err != nil {
		return types.Actor{}, errors.Wrap(err, "marshal actor properties")
	}

	actor := types.Actor{
		ID:         id,
		Type:       raw.MustGetString("type"),
		Properties: props,
		PublicKey:  pem,
	}
	if aliases := raw.GetStringSlice("alsoKnownAs"); len(aliases) > 0 {
		actor.AlsoKnownAs = aliases
	}
	return c.store.CreateActor(ctx, actor)
}

func (c *Client) cacheActor(actor types.Actor) {
	value, err := json.Marshal(actor)
	if err != nil {
		return
	}
	err = c.mc.Set(&memcache.Item{
		Key:        actorCacheKey(actor.ID),
		Value:      value,
		Expiration: actorCacheTTL,
	})
	if err != nil {
		log.Println("failed to cache actor:", err)
	}
}

func actorCacheKey(actorID string) string {
	return fmt.Sprintf("fedactor:%s", actorID)
}

// signedGet performs a GET for a federation document, signed when a
// local signer is available.
func (c *Client) signedGet(ctx context.Context, target string, signer *types.Actor) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", types.ActivityJSONType)
	req.Header.Set("User-Agent", UserAgent)

	if signer != nil && signer.IsLocal() {
		priv, err := c.store.LoadKey(ctx, *signer, c.config.KeySecret)
		if err != nil {
			return nil, err
		}
		if err := httpsig.SignRequest(req, priv, signer.ID+"#main-key", nil); err != nil {
			return nil, err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch "+target)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("fetch %s returned status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	return body, nil
}
