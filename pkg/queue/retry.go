package queue

// MaxRequestRetries is how many times a failed event is re-enqueued before it
// is handed to the failure handler for good.
const MaxRequestRetries = 3

// FailedTriesField is the event key carrying the retry counter. Events that
// have never failed typically omit it.
const FailedTriesField = "failed_tries"

// RetryEvent re-enqueues an event whose processing failed, bumping its retry
// counter first. Once the counter exceeds MaxRequestRetries the event is given
// to failureHandler instead and never re-enqueued. A missing or malformed
// counter counts as zero; the counter survives JSON round trips, where numbers
// come back as float64.
func RetryEvent(p Publisher, queueName string, event map[string]any, failureHandler func(event map[string]any)) error {
	tries := 0
	switch v := event[FailedTriesField].(type) {
	case int:
		tries = v
	case float64:
		tries = int(v)
	}

	tries++
	event[FailedTriesField] = tries

	if tries > MaxRequestRetries {
		if failureHandler != nil {
			failureHandler(event)
		}

		return nil
	}

	return p.PublishJSON(queueName, event)
}
