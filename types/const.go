package types

const (
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	PublicCollection  = "https://www.w3.org/ns/activitystreams#Public"

	ActivityJSONType = "application/activity+json"
	JRDJSONType      = "application/jrd+json"
)

// Notification kinds projected for local actors.
const (
	NotifyMention   = "mention"
	NotifyFollow    = "follow"
	NotifyFavourite = "favourite"
	NotifyReblog    = "reblog"
)

// Follow edge states.
const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
)
