package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicAndPartitionRoundTrip(t *testing.T) {
	tp := topicAndPartition{Topic: "orders", Partition: 3}
	parsed, ok := parseTopicAndPartition(tp.String())
	assert.True(t, ok)
	assert.Equal(t, tp, parsed)
}

func TestTopicAndPartitionTopicMayContainSlash(t *testing.T) {
	tp := topicAndPartition{Topic: "tenant/orders", Partition: 12}
	parsed, ok := parseTopicAndPartition(tp.String())
	assert.True(t, ok)
	assert.Equal(t, tp, parsed)
}

func TestParseTopicAndPartitionRejectsMalformedKeys(t *testing.T) {
	for _, s := range []string{"", "orders", "/3", "orders/", "orders/x"} {
		_, ok := parseTopicAndPartition(s)
		assert.False(t, ok, s)
	}
}
