package mqttv3

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Topic errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
)

// ValidateTopicName validates a topic name used in PUBLISH.
// Topic names cannot contain wildcards.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter validates a subscription filter. '+' must occupy a
// whole level; '#' must occupy the last level.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, string(topicSeparator))
	for i, level := range levels {
		if strings.ContainsRune(level, singleLevelWildcard) && level != "+" {
			return ErrInvalidTopicFilter
		}
		if strings.ContainsRune(level, multiLevelWildcard) {
			if level != "#" || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
	}

	return nil
}

// IsWildcard reports whether the filter contains '+' or '#'.
func IsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// TopicMatch checks if a topic name matches a topic filter. Levels are
// '/'-delimited; '+' matches exactly one level and '#' matches the parent
// level and every remaining level.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	// $-prefixed topics are never matched by a leading wildcard.
	if topic[0] == '$' && (filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard) {
		return false
	}

	topicLeft := true
	for {
		flevel, frest, fmore := strings.Cut(filter, string(topicSeparator))
		if flevel == "#" {
			return true
		}
		if !topicLeft {
			return false
		}

		tlevel, trest, tmore := strings.Cut(topic, string(topicSeparator))
		if flevel != "+" && flevel != tlevel {
			return false
		}
		if !fmore {
			return !tmore
		}

		filter, topic, topicLeft = frest, trest, tmore
	}
}
