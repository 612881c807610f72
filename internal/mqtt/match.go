package mqtt

import "strings"

// TopicMatches reports whether a concrete topic matches an MQTT topic
// filter. `+` matches exactly one level; a trailing `#` matches the
// remaining levels including none. A filter without wildcards matches only
// itself.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")

	for i, fp := range fparts {
		if fp == "#" {
			// `#` is only valid as the last filter level; it matches the
			// rest of the topic, including the empty remainder.
			return i == len(fparts)-1
		}
		if i >= len(tparts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}
