package transport

import "strings"

// Topic names use slash-separated segments with MQTT wildcards; NATS
// subjects use dot-separated tokens with their own wildcard syntax.
// The mapping is positional: "/" <-> ".", "+" <-> "*", "#" <-> ">".

// topicToSubject converts a topic or topic filter to a NATS subject.
func topicToSubject(t string) string {
	segs := strings.Split(t, "/")
	for i, s := range segs {
		switch s {
		case "+":
			segs[i] = "*"
		case "#":
			segs[i] = ">"
		}
	}
	return strings.Join(segs, ".")
}

// subjectToTopic converts a NATS subject back to a topic.
func subjectToTopic(s string) string {
	segs := strings.Split(s, ".")
	for i, t := range segs {
		switch t {
		case "*":
			segs[i] = "+"
		case ">":
			segs[i] = "#"
		}
	}
	return strings.Join(segs, "/")
}
