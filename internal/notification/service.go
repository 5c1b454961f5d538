package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/healthnexus/platform/internal/shared/config"
	"github.com/healthnexus/platform/internal/shared/metrics"
	"github.com/healthnexus/platform/internal/shared/types"
	"go.uber.org/zap"
)

const inboxLimit = 100

// Provider delivers notifications on one channel
type Provider interface {
	Send(ctx context.Context, notification *Notification) error
}

// Service is the notification service
type Service struct {
	providers map[Channel]Provider
	log       *zap.Logger

	// State
	mu    sync.RWMutex
	inbox map[types.ID][]*Notification
	stats *Stats

	// Processing
	notifCh chan *Notification
	workers int

	// Lifecycle
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	config ServiceConfig
}

// ServiceConfig holds service configuration
type ServiceConfig struct {
	Workers       int
	BufferSize    int
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Workers:       4,
		BufferSize:    1000,
		RetryAttempts: 3,
		RetryDelay:    30 * time.Second,
	}
}

// ConfigFrom maps the notification section of the app config
func ConfigFrom(cfg config.NotificationConfig) ServiceConfig {
	sc := DefaultServiceConfig()
	if cfg.Workers > 0 {
		sc.Workers = cfg.Workers
	}
	if cfg.BufferSize > 0 {
		sc.BufferSize = cfg.BufferSize
	}
	if cfg.RetryAttempts > 0 {
		sc.RetryAttempts = cfg.RetryAttempts
	}
	if cfg.RetryDelay > 0 {
		sc.RetryDelay = cfg.RetryDelay
	}
	return sc
}

// NewService creates a new notification service. In-app delivery needs no provider.
func NewService(cfg ServiceConfig, log *zap.Logger) *Service {
	return &Service{
		providers: make(map[Channel]Provider),
		log:       log.Named("notification"),
		inbox:     make(map[types.ID][]*Notification),
		stats:     &Stats{ByChannel: make(map[Channel]int64)},
		notifCh:   make(chan *Notification, cfg.BufferSize),
		workers:   cfg.Workers,
		stopCh:    make(chan struct{}),
		config:    cfg,
	}
}

// Register sets the provider for a channel; call before Start.
func (s *Service) Register(channel Channel, provider Provider) {
	s.providers[channel] = provider
}

// Start starts the worker pool
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.log.Info("notification service started", zap.Int("workers", s.workers))
	return nil
}

// Stop stops the workers and pending retries
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("service not running")
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// Notify queues msg on the in-app channel and on push and SMS when those
// providers are registered. SMS is only used for high priority messages.
func (s *Service) Notify(ctx context.Context, msg Message) error {
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}

	channels := []Channel{ChannelInApp}
	if _, ok := s.providers[ChannelPush]; ok {
		channels = append(channels, ChannelPush)
	}
	if _, ok := s.providers[ChannelSMS]; ok && msg.Phone != "" && msg.Priority == PriorityHigh {
		channels = append(channels, ChannelSMS)
	}

	var firstErr error
	for _, ch := range channels {
		err := s.SendNotification(ctx, &Notification{
			Channel:     ch,
			Priority:    msg.Priority,
			RecipientID: msg.RecipientID,
			Phone:       msg.Phone,
			Subject:     msg.Subject,
			Body:        msg.Body,
			Data:        msg.Data,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendNotification queues a notification without blocking
func (s *Service) SendNotification(ctx context.Context, notification *Notification) error {
	now := time.Now()
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = now
	}
	notification.UpdatedAt = now
	notification.Status = StatusPending

	select {
	case s.notifCh <- notification:
		return nil
	default:
		metrics.RecordNotification(string(notification.Channel), "dropped")
		return fmt.Errorf("notification buffer full")
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case notif := <-s.notifCh:
			s.processNotification(ctx, notif)
		}
	}
}

func (s *Service) processNotification(ctx context.Context, notif *Notification) {
	var err error

	if notif.Channel == ChannelInApp {
		s.storeInApp(notif)
	} else if provider, ok := s.providers[notif.Channel]; ok {
		err = provider.Send(ctx, notif)
	} else {
		err = fmt.Errorf("%s provider not configured", notif.Channel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	notif.UpdatedAt = now

	if err == nil {
		notif.SentAt = &now
		notif.Status = StatusSent
		s.updateStats(notif, true)
		metrics.RecordNotification(string(notif.Channel), "sent")
		return
	}

	notif.ErrorMessage = err.Error()
	notif.RetryCount++

	if notif.RetryCount >= s.config.RetryAttempts {
		notif.Status = StatusFailed
		s.updateStats(notif, false)
		metrics.RecordNotification(string(notif.Channel), "failed")
		s.log.Warn("notification delivery failed",
			zap.String("notification_id", notif.ID),
			zap.String("channel", string(notif.Channel)),
			zap.Int("attempts", notif.RetryCount),
			zap.Error(err),
		)
		return
	}

	s.wg.Add(1)
	go s.retry(notif)
}

// retry re-queues after the retry delay unless the service stops first
func (s *Service) retry(notif *Notification) {
	defer s.wg.Done()

	timer := time.NewTimer(s.config.RetryDelay)
	defer timer.Stop()

	select {
	case <-s.stopCh:
	case <-timer.C:
		select {
		case s.notifCh <- notif:
		default:
			s.log.Warn("dropping retry, buffer full", zap.String("notification_id", notif.ID))
		}
	}
}

func (s *Service) storeInApp(notif *Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := append(s.inbox[notif.RecipientID], notif)
	if len(box) > inboxLimit {
		box = box[len(box)-inboxLimit:]
	}
	s.inbox[notif.RecipientID] = box
}

func (s *Service) updateStats(notif *Notification, success bool) {
	s.stats.TotalSent++
	s.stats.ByChannel[notif.Channel]++

	if success {
		s.stats.TotalDelivered++
	} else {
		s.stats.TotalFailed++
	}

	if s.stats.TotalSent > 0 {
		s.stats.DeliveryRate = float64(s.stats.TotalDelivered) / float64(s.stats.TotalSent)
	}
}

// Inbox returns the user's in-app notifications, newest first
func (s *Service) Inbox(userID types.ID) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	box := s.inbox[userID]
	out := make([]Notification, 0, len(box))
	for i := len(box) - 1; i >= 0; i-- {
		out = append(out, *box[i])
	}
	return out
}

// MarkAsRead marks one of the user's in-app notifications as read
func (s *Service) MarkAsRead(userID types.ID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, notif := range s.inbox[userID] {
		if notif.ID != notificationID {
			continue
		}
		if notif.ReadAt == nil {
			now := time.Now()
			notif.ReadAt = &now
			notif.Status = StatusRead
			notif.UpdatedAt = now
			s.stats.TotalRead++
		}
		return nil
	}
	return fmt.Errorf("notification not found: %s", notificationID)
}

// GetStats returns notification statistics
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := *s.stats
	stats.ByChannel = make(map[Channel]int64, len(s.stats.ByChannel))
	for k, v := range s.stats.ByChannel {
		stats.ByChannel[k] = v
	}
	return stats
}
