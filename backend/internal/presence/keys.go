package presence

// Key layout (one hash slot, so the purge script also runs on a cluster):
// - instancesKey: ZSet<instanceId, expireAtUnix>, score=expireAt
// - urlsKey:      Hash<instanceId -> advertised base url>
const (
	instancesKey = "docsync:{instances}"
	urlsKey      = "docsync:{instances}:urls"
)
