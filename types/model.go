package types

// WellKnown is a struct for a well-known response.
type WellKnown struct {
	Links []WellKnownLink `json:"links"`
}

// WellKnownLink is a struct for the links field of a well-known response.
type WellKnownLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// WebFinger is a struct for a WebFinger response.
type WebFinger struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

// WebFingerLink is a struct for the links field of a WebFinger response.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// ---------------------------------------------------------------------

// NodeInfo is a struct for a NodeInfo response.
type NodeInfo struct {
	Version           string           `json:"version,omitempty" yaml:"version"`
	Software          NodeInfoSoftware `json:"software,omitempty" yaml:"software"`
	Protocols         []string         `json:"protocols,omitempty" yaml:"protocols"`
	OpenRegistrations bool             `json:"openRegistrations,omitempty" yaml:"openRegistrations"`
	Metadata          NodeInfoMetadata `json:"metadata,omitempty" yaml:"metadata"`
}

// NodeInfoSoftware is a struct for the software field of a NodeInfo response.
type NodeInfoSoftware struct {
	Name    string `json:"name,omitempty" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version"`
}

// NodeInfoMetadata is a struct for the metadata field of a NodeInfo response.
type NodeInfoMetadata struct {
	NodeName        string `json:"nodeName,omitempty" yaml:"nodeName"`
	NodeDescription string `json:"nodeDescription,omitempty" yaml:"nodeDescription"`
	ThemeColor      string `json:"themeColor,omitempty" yaml:"themeColor"`
}

// ---------------------------------------------------------------------

// ApObject is the wire representation of an ActivityPub object or activity.
// Only fields this node reads or emits are modelled; anything else rides
// along in RawApObj where the shape matters.
type ApObject struct {
	Context           any              `json:"@context,omitempty"`
	ID                string           `json:"id,omitempty"`
	Type              string           `json:"type,omitempty"`
	Actor             string           `json:"actor,omitempty"`
	Object            any              `json:"object,omitempty"`
	To                any              `json:"to,omitempty"`
	CC                any              `json:"cc,omitempty"`
	Published         string           `json:"published,omitempty"`
	AttributedTo      string           `json:"attributedTo,omitempty"`
	InReplyTo         string           `json:"inReplyTo,omitempty"`
	Content           string           `json:"content,omitempty"`
	Summary           string           `json:"summary,omitempty"`
	Sensitive         bool             `json:"sensitive,omitempty"`
	Attachment        []Attachment     `json:"attachment,omitempty"`
	Tag               []Tag            `json:"tag,omitempty"`
	Inbox             string           `json:"inbox,omitempty"`
	Outbox            string           `json:"outbox,omitempty"`
	SharedInbox       string           `json:"sharedInbox,omitempty"`
	Endpoints         *PersonEndpoints `json:"endpoints,omitempty"`
	Followers         string           `json:"followers,omitempty"`
	Following         string           `json:"following,omitempty"`
	PreferredUsername string           `json:"preferredUsername,omitempty"`
	Name              string           `json:"name,omitempty"`
	URL               string           `json:"url,omitempty"`
	Icon              *Icon            `json:"icon,omitempty"`
	PublicKey         *Key             `json:"publicKey,omitempty"`
}

type PersonEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Key is a struct for the publicKey field of an actor.
type Key struct {
	ID           string `json:"id,omitempty"`
	Type         string `json:"type,omitempty"`
	Owner        string `json:"owner,omitempty"`
	PublicKeyPem string `json:"publicKeyPem,omitempty"`
}

// Icon is a struct for the icon field of an actor.
type Icon struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Attachment is a struct for an ActivityPub attachment.
type Attachment struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// Tag is a struct for an ActivityPub tag.
type Tag struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Href string `json:"href,omitempty"`
}

// OrderedCollection is the wire shape of an actor's outbox.
type OrderedCollection struct {
	Context    any    `json:"@context,omitempty"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	Items      []any  `json:"orderedItems"`
}

// ---------------------------------------------------------------------

// FedConfig is the federation-engine configuration, constructed once in
// cmd and passed into every constructor.
type FedConfig struct {
	Domain string `yaml:"domain"`

	// KeySecret is the instance-wide secret under which local actor
	// private keys are wrapped at rest.
	KeySecret string `yaml:"keySecret"`

	// ClockSkewSeconds bounds the acceptable age of a signature's
	// created parameter during verification.
	ClockSkewSeconds int `yaml:"clockSkewSeconds"`
}
