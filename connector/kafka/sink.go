package kafka

import (
	"bytes"
	"encoding/gob"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/rillstream/rill/element"
	. "github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/stream"
)

type SinkConfig struct {
	SaramaConfig *sarama.Config
	Addresses    []string
	//TransactionID scopes the producer's transactions; it must be stable
	//across restarts of the same job so zombie transactions get fenced.
	TransactionID string
}

type EncodeFn[IN any] func(value IN) *sarama.ProducerMessage

type commitToken struct {
	Epoch         int64
	TransactionID string
	Count         int
}

// sink stages messages in memory during an epoch, sends them inside a Kafka
// transaction at pre-commit and commits the transaction only when the epoch
// completes globally. Readers with read_committed isolation therefore see a
// batch exactly once.
type sink[IN any] struct {
	BaseOperator[IN, any, any]
	EncodeFn[IN]
	config   SinkConfig
	producer sarama.SyncProducer

	staged       []*sarama.ProducerMessage
	inFlightTxn  bool
	currentEpoch int64
}

func (s *sink[IN]) Open(ctx Context) (err error) {
	s.Ctx = ctx
	saramaConfig := s.config.SaramaConfig
	if saramaConfig == nil {
		saramaConfig = sarama.NewConfig()
		saramaConfig.Version = sarama.V2_6_0_0
	}
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Transaction.ID = s.config.TransactionID
	saramaConfig.Net.MaxOpenRequests = 1
	s.producer, err = sarama.NewSyncProducer(s.config.Addresses, saramaConfig)
	return errors.WithMessage(err, "failed to create transactional producer")
}

func (s *sink[IN]) Close() error {
	if s.producer == nil {
		return nil
	}
	if s.inFlightTxn {
		//never commit on close, the epoch did not complete
		_ = s.producer.AbortTxn()
	}
	return s.producer.Close()
}

func (s *sink[IN]) ProcessEvent(event *element.Event[IN]) {
	s.staged = append(s.staged, s.EncodeFn(event.Value))
}

func (s *sink[IN]) ProcessWatermark(element.Watermark) {}

func (s *sink[IN]) PreCommit(epoch int64) ([]byte, error) {
	if s.inFlightTxn {
		//the previous epoch was aborted without a cancel notification
		if err := s.producer.AbortTxn(); err != nil {
			return nil, errors.WithMessage(err, "failed to abort stale transaction")
		}
		s.inFlightTxn = false
	}
	batch := s.staged
	s.staged = nil
	if err := s.producer.BeginTxn(); err != nil {
		return nil, errors.WithMessagef(err, "failed to begin transaction for epoch %d", epoch)
	}
	s.inFlightTxn = true
	s.currentEpoch = epoch
	if len(batch) > 0 {
		if err := s.producer.SendMessages(batch); err != nil {
			return nil, errors.WithMessagef(err, "failed to send batch for epoch %d", epoch)
		}
	}
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(commitToken{
		Epoch:         epoch,
		TransactionID: s.config.TransactionID,
		Count:         len(batch),
	}); err != nil {
		return nil, errors.WithMessage(err, "failed to encode commit token")
	}
	return buffer.Bytes(), nil
}

func (s *sink[IN]) NotifyCheckpointComplete(epoch int64) {
	if !s.inFlightTxn || s.currentEpoch != epoch {
		return
	}
	if err := s.producer.CommitTxn(); err != nil {
		//a fenced or failed commit is unrecoverable for this producer
		//session; recovery replays the epoch from the checkpoint
		s.Ctx.Logger().Errorw("failed to commit transaction.", "epoch", epoch, "err", err)
	}
	s.inFlightTxn = false
}

func (s *sink[IN]) NotifyCheckpointCancel(epoch int64) {
	if !s.inFlightTxn || s.currentEpoch != epoch {
		return
	}
	if err := s.producer.AbortTxn(); err != nil {
		s.Ctx.Logger().Warnw("failed to abort transaction.", "epoch", epoch, "err", err)
	}
	s.inFlightTxn = false
}

// ToSink declares a transactional Kafka sink vertex.
func ToSink[IN any](upstream stream.Stream[IN], name string, config SinkConfig, encodeFn EncodeFn[IN]) error {
	_, err := stream.ToSink[IN](upstream, name, &sink[IN]{
		EncodeFn: encodeFn,
		config:   config,
	})
	return err
}
