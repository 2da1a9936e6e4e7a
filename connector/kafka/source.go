// Package kafka connects pipelines to Kafka: a consumer-group source whose
// positions ride in checkpoint manifests, and a transactional producer sink
// committing exactly one batch per completed epoch.
package kafka

import (
	_c "context"
	"strconv"
	"strings"
	"sync"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/rillstream/rill/element"
	. "github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/stream"
)

type SourceConfig struct {
	SaramaConfig *sarama.Config
	Addresses    []string
	Topics       []string
	GroupId      string
}

type FormatFn[OUT any] func(message *sarama.ConsumerMessage) OUT

type topicAndPartition struct {
	Topic     string
	Partition int32
}

func (tp topicAndPartition) String() string {
	return tp.Topic + "/" + strconv.Itoa(int(tp.Partition))
}

func parseTopicAndPartition(s string) (topicAndPartition, bool) {
	i := strings.LastIndex(s, "/")
	if i <= 0 {
		return topicAndPartition{}, false
	}
	partition, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return topicAndPartition{}, false
	}
	return topicAndPartition{Topic: s[:i], Partition: int32(partition)}, true
}

// source consumes via a consumer group but trusts checkpoint offsets over
// the group's committed ones: the checkpointed position is the one
// consistent with downstream state. Group offsets are only committed after
// the epoch completes, as a floor for fresh starts.
type source[OUT any] struct {
	BaseOperator[any, any, OUT]
	FormatFn[OUT]
	config        SourceConfig
	consumerGroup sarama.ConsumerGroup

	//next offset to read per partition, written by ConsumeClaim and read by
	//Offsets at barrier time
	offsetMap       *sync.Map
	offsetsToCommit map[int64]map[topicAndPartition]int64
	commitChan      chan map[topicAndPartition]int64
	doneChan        chan struct{}

	runCtx     _c.Context
	cancelFunc _c.CancelFunc
}

func (s *source[OUT]) Open(ctx Context, collector element.Collector[OUT]) (err error) {
	if err = s.BaseOperator.Open(ctx, collector); err != nil {
		return err
	}
	s.runCtx, s.cancelFunc = _c.WithCancel(_c.Background())
	s.consumerGroup, err = sarama.NewConsumerGroup(s.config.Addresses, s.config.GroupId, s.config.SaramaConfig)
	return errors.WithMessage(err, "failed to create consumer group")
}

func (s *source[OUT]) Run() {
	for {
		select {
		case <-s.doneChan:
			return
		default:
			if err := s.consumerGroup.Consume(s.runCtx, s.config.Topics, s); err != nil {
				s.Ctx.Logger().Warnw("consume failed, rejoining group.", "err", err)
			}
		}
	}
}

func (s *source[OUT]) Close() error {
	close(s.doneChan)
	s.cancelFunc()
	if s.consumerGroup != nil {
		return s.consumerGroup.Close()
	}
	return nil
}

// ----------------------------------OffsetTracker----------------------------------

func (s *source[OUT]) Offsets() map[string]int64 {
	offsets := map[string]int64{}
	s.offsetMap.Range(func(key, value any) bool {
		offsets[key.(topicAndPartition).String()] = value.(int64)
		return true
	})
	return offsets
}

func (s *source[OUT]) SeekTo(offsets map[string]int64) {
	for key, offset := range offsets {
		if tp, ok := parseTopicAndPartition(key); ok {
			s.offsetMap.Store(tp, offset)
		}
	}
}

// ----------------------------------CheckpointListener----------------------------------

func (s *source[OUT]) NotifyCheckpointCome(epoch int64) {
	snapshot := map[topicAndPartition]int64{}
	s.offsetMap.Range(func(key, value any) bool {
		snapshot[key.(topicAndPartition)] = value.(int64)
		return true
	})
	s.offsetsToCommit[epoch] = snapshot
}

func (s *source[OUT]) NotifyCheckpointComplete(epoch int64) {
	if commit, ok := s.offsetsToCommit[epoch]; ok {
		select {
		case s.commitChan <- commit:
		case <-s.doneChan:
		}
	}
	delete(s.offsetsToCommit, epoch)
}

func (s *source[OUT]) NotifyCheckpointCancel(epoch int64) {
	delete(s.offsetsToCommit, epoch)
}

// ----------------------------------ConsumerGroupHandler----------------------------------

func (s *source[OUT]) Setup(session sarama.ConsumerGroupSession) error {
	s.offsetMap.Range(func(key, value any) bool {
		tp := key.(topicAndPartition)
		session.ResetOffset(tp.Topic, tp.Partition, value.(int64), "")
		return true
	})
	return nil
}

func (s *source[OUT]) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (s *source[OUT]) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			event := &element.Event[OUT]{
				Value:        s.FormatFn(message),
				Timestamp:    message.Timestamp.UnixMilli(),
				HasTimestamp: true,
			}
			//the offset advance shares the emit's critical section, so a
			//barrier snapshot never records a position behind an event
			//that already flowed before it
			advance := func() {
				s.offsetMap.Store(topicAndPartition{Topic: message.Topic, Partition: message.Partition}, message.Offset+1)
			}
			if tracked, ok := s.Collector.(element.SourceCollector[OUT]); ok {
				tracked.EmitEventThen(event, advance)
			} else {
				s.Collector.EmitEvent(event)
				advance()
			}
		case commit := <-s.commitChan:
			for tp, offset := range commit {
				session.MarkOffset(tp.Topic, tp.Partition, offset, "")
			}
			session.Commit()
		case <-s.doneChan:
			return nil
		}
	}
}

func FromSource[OUT any](env *stream.Environment, name string, config SourceConfig, formatFn FormatFn[OUT]) (stream.Stream[OUT], error) {
	if config.SaramaConfig == nil {
		config.SaramaConfig = sarama.NewConfig()
		config.SaramaConfig.Version = sarama.V2_6_0_0
	}
	return stream.FormSource[OUT](env, name, &source[OUT]{
		FormatFn:        formatFn,
		config:          config,
		offsetMap:       &sync.Map{},
		offsetsToCommit: map[int64]map[topicAndPartition]int64{},
		commitChan:      make(chan map[topicAndPartition]int64),
		doneChan:        make(chan struct{}),
	})
}
