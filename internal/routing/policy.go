package routing

// CriticalKey is the one consumer whose failed deliveries are queued for
// retry.
const CriticalKey = "heimgeist"

// broadcastEvents are delivered to every registered consumer. All other
// event types go to the critical consumer only.
var broadcastEvents = map[string]struct{}{
	"knowledge.observatory.published.v1": {},
	"integrity.summary.published.v1":     {},
	"gewebe.digest.published.v1":         {},
}

// bestEffortEvents are never queued on failure, regardless of consumer.
var bestEffortEvents = map[string]struct{}{
	"integrity.summary.published.v1": {},
	"gewebe.digest.published.v1":     {},
}

// Decision is the routing outcome for one (event type, consumer) pair.
type Decision struct {
	Forward     bool
	QueueOnFail bool
}

// Route decides whether an event type is forwarded to a consumer and
// whether a failed delivery is queued. Pure function, consulted by the
// first-attempt dispatcher; the retry worker does not call it and re-queues
// every failed due entry it processes.
func Route(eventType, consumerKey string) Decision {
	_, broadcast := broadcastEvents[eventType]
	_, bestEffort := bestEffortEvents[eventType]

	return Decision{
		Forward:     broadcast || consumerKey == CriticalKey,
		QueueOnFail: consumerKey == CriticalKey && !bestEffort,
	}
}

// IsBroadcast reports whether the event type fans out to all consumers.
func IsBroadcast(eventType string) bool {
	_, ok := broadcastEvents[eventType]
	return ok
}
