package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"directChat/pkg/metrics"
	"github.com/rs/zerolog/log"
)

// sendQueueSize bounds the sends waiting on one conversation.
const sendQueueSize = 64

// MessageSynchronizer keeps conversation views in sync with the store and
// performs sends. Sends to the same conversation are applied in the order
// they were enqueued.
type MessageSynchronizer struct {
	chats     ChatRepository
	presence  *PresenceTracker
	clock     Clock
	retry     RetryPolicy
	publisher EventPublisher

	mu     sync.Mutex
	queues map[string]chan sendJob
	wg     sync.WaitGroup
	closed bool
}

type sendJob struct {
	ctx  context.Context
	msg  OutgoingMessage
	done chan error
}

func NewMessageSynchronizer(chats ChatRepository, presence *PresenceTracker, clock Clock, retry RetryPolicy, publisher EventPublisher) *MessageSynchronizer {
	if clock == nil {
		clock = SystemClock
	}
	return &MessageSynchronizer{
		chats:     chats,
		presence:  presence,
		clock:     clock,
		retry:     retry,
		publisher: publisher,
		queues:    make(map[string]chan sendJob),
	}
}

// Subscribe watches a conversation and calls fn with the complete, ordered
// view of viewerId after every change.
func (s *MessageSynchronizer) Subscribe(ctx context.Context, conversationId string, viewerId string, fn func(ConversationView, []MessageRecord)) (Unsubscribe, error) {
	return s.chats.WatchMessages(ctx, conversationId, func(records []MessageRecord) {
		fn(BuildView(conversationId, viewerId, records, s.clock.Now()), records)
	})
}

// Valid reports whether msg may be sent. Invalid sends are dropped without
// an error.
func Valid(msg OutgoingMessage) bool {
	return strings.TrimSpace(msg.Text) != "" &&
		msg.ConversationId != "" &&
		msg.SenderId != "" &&
		msg.ReceiverId != ""
}

// Enqueue schedules msg behind the sends already queued for its
// conversation and returns without waiting. The returned channel yields the
// result once.
func (s *MessageSynchronizer) Enqueue(ctx context.Context, msg OutgoingMessage) <-chan error {
	done := make(chan error, 1)
	if !Valid(msg) {
		metrics.MessagesTotal.WithLabelValues("skipped").Inc()
		done <- nil
		return done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		done <- context.Canceled
		return done
	}
	queue, ok := s.queues[msg.ConversationId]
	if !ok {
		queue = make(chan sendJob, sendQueueSize)
		s.queues[msg.ConversationId] = queue
		s.wg.Add(1)
		go s.drain(queue)
	}

	select {
	case queue <- sendJob{ctx: ctx, msg: msg, done: done}:
	default:
		log.Warn().Str("conversationId", msg.ConversationId).Msg("Send queue is full, dropping message")
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		done <- ErrRateLimited
	}
	return done
}

// Send enqueues msg and waits for it to be written.
func (s *MessageSynchronizer) Send(ctx context.Context, msg OutgoingMessage) error {
	select {
	case err := <-s.Enqueue(ctx, msg):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the send queues after the queued sends are written.
func (s *MessageSynchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, queue := range s.queues {
		close(queue)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *MessageSynchronizer) drain(queue chan sendJob) {
	defer s.wg.Done()
	for job := range queue {
		job.done <- s.send(job.ctx, job.msg)
	}
}

func (s *MessageSynchronizer) send(ctx context.Context, msg OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.presence != nil {
		s.presence.MarkOnline(ctx)
	}

	start := time.Now()
	messageId, err := s.chats.SendMessage(ctx, msg)
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("conversationId", msg.ConversationId).Msg("Unable to send message")
		return err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	log.Debug().Str("conversationId", msg.ConversationId).Str("messageId", messageId).Msg("Created message document")

	if s.presence != nil {
		s.presence.SendCompleted(ctx)
	}
	s.publish(messageId, msg)
	return nil
}

func (s *MessageSynchronizer) publish(messageId string, msg OutgoingMessage) {
	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(Message{
		Id:         messageId,
		Text:       msg.Text,
		SenderId:   msg.SenderId,
		ReceiverId: msg.ReceiverId,
	})
	if err != nil {
		log.Error().Err(err).Msg("Could not encode chat event")
		return
	}
	if err := s.publisher.PublishChatMessage(msg.ConversationId, data); err != nil {
		log.Warn().Err(err).Str("conversationId", msg.ConversationId).Msg("Unable to publish chat event")
	}
}

// MarkRead flips the given messages to read. The write is idempotent.
func (s *MessageSynchronizer) MarkRead(ctx context.Context, conversationId string, messageIds []string) error {
	if len(messageIds) == 0 {
		return nil
	}
	err := Retry(ctx, s.retry, "mark_read", func(ctx context.Context) error {
		return s.chats.MarkRead(ctx, conversationId, messageIds)
	})
	if err != nil {
		metrics.StoreFailures.WithLabelValues("mark_read").Inc()
		return err
	}
	metrics.MessagesMarkedRead.Add(float64(len(messageIds)))
	return nil
}

// MirrorUnread writes the conversation's unread count into its summary.
func (s *MessageSynchronizer) MirrorUnread(ctx context.Context, conversationId string, count int) error {
	err := Retry(ctx, s.retry, "unread_count", func(ctx context.Context) error {
		return s.chats.SetUnreadCount(ctx, conversationId, count)
	})
	if err != nil {
		metrics.StoreFailures.WithLabelValues("unread_count").Inc()
	}
	return err
}
