package session

import "strings"

const bootstrapPrefix = "bootstrap-"

func manifestKey(sessionID string) string {
	return "sessions/" + sessionID + "/manifest.blob"
}

func statusPrefix(sessionID string) string {
	return "sessions/" + sessionID + "/tasks/"
}

func statusKey(sessionID, taskID string) string {
	return statusPrefix(sessionID) + taskID + "/status.blob"
}

func envelopeKey(taskID string) string { return "tasks/" + taskID + ".blob" }
func resultKey(taskID string) string   { return "results/" + taskID + ".blob" }

// taskIDFromStatusKey extracts <tid> out of
// sessions/<sid>/tasks/<tid>/status.blob.
func taskIDFromStatusKey(sessionID, key string) (string, bool) {
	rest := strings.TrimPrefix(key, statusPrefix(sessionID))
	if rest == key {
		return "", false
	}
	tid := strings.TrimSuffix(rest, "/status.blob")
	if tid == rest {
		return "", false
	}
	return tid, true
}

// isBootstrapTask reports whether tid names a bootstrap task, which is
// excluded from user-visible status tallies (§6.1).
func isBootstrapTask(tid string) bool {
	return strings.HasPrefix(tid, bootstrapPrefix)
}
