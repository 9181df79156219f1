package types

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ActivityKind discriminates the activity types this node interprets.
// Anything else decodes as ActivityUnknown and is carried, not rejected.
type ActivityKind string

const (
	ActivityCreate   ActivityKind = "Create"
	ActivityUpdate   ActivityKind = "Update"
	ActivityDelete   ActivityKind = "Delete"
	ActivityFollow   ActivityKind = "Follow"
	ActivityAccept   ActivityKind = "Accept"
	ActivityAnnounce ActivityKind = "Announce"
	ActivityLike     ActivityKind = "Like"
	ActivityUndo     ActivityKind = "Undo"
	ActivityUnknown  ActivityKind = ""
)

var knownActivityKinds = map[string]ActivityKind{
	"Create":   ActivityCreate,
	"Update":   ActivityUpdate,
	"Delete":   ActivityDelete,
	"Follow":   ActivityFollow,
	"Accept":   ActivityAccept,
	"Announce": ActivityAnnounce,
	"Like":     ActivityLike,
	"Undo":     ActivityUndo,
}

// Activity is the validated decode of an inbound activity: a known kind
// (or unknown, with the raw payload preserved), the re-derived actor and
// object identifiers, and the embedded object when one was supplied.
type Activity struct {
	Kind  ActivityKind
	ID    string
	Actor string

	// ObjectID is derived from the object field whether it arrived as a
	// bare string or an embedded object.
	ObjectID string

	// Object is non-nil only when the activity embedded a structured
	// object rather than a bare id reference.
	Object *RawApObj

	Raw *RawApObj
}

// DecodeActivity parses and validates untrusted activity JSON into the
// tagged form the handler state machine dispatches on.
func DecodeActivity(body []byte) (*Activity, error) {
	raw, err := LoadAsRawApObj(body)
	if err != nil {
		return nil, errors.Wrap(err, "invalid activity json")
	}
	return DecodeRawActivity(raw)
}

// DecodeRawActivity builds an Activity from an already-parsed payload.
func DecodeRawActivity(raw *RawApObj) (*Activity, error) {
	typ, ok := raw.GetString("type")
	if !ok {
		return nil, errors.New("activity has no type")
	}

	actor, ok := raw.GetID("actor")
	if !ok {
		return nil, errors.New("activity has no actor")
	}

	activity := Activity{
		Kind:  knownActivityKinds[typ],
		ID:    raw.MustGetString("id"),
		Actor: actor,
		Raw:   raw,
	}
	activity.ObjectID, _ = raw.GetID("object")
	activity.Object, _ = raw.GetRaw("object")

	return &activity, nil
}

// MarshalPayload re-serializes the raw activity for queueing.
func (a *Activity) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(a.Raw.GetData())
}
