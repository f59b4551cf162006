package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	httpClient "github.com/iudanet/ctxsync/internal/client/api"
	"github.com/iudanet/ctxsync/internal/client/storage"
	"github.com/iudanet/ctxsync/internal/models"
)

const (
	// defaultRetryDelay is the first reconnect delay; it doubles up to maxRetryDelay
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// Service определяет интерфейс клиентской синхронизации
type Service interface {
	// CatchUp pulls the pending queue over HTTP, applies and acknowledges it
	CatchUp(ctx context.Context, clientID uuid.UUID) (*Result, error)

	// Watch streams live changes into the replica until ctx is cancelled,
	// reconnecting after failures. onChange, if set, sees every newly applied change.
	Watch(ctx context.Context, clientID uuid.UUID, filters []models.SyncFilters, onChange func(models.ContextChange)) error
}

// Result counts the outcome of a CatchUp
type Result struct {
	Received   int // количество полученных изменений
	Applied    int // количество новых изменений в реплике
	Duplicates int // количество уже известных изменений
}

// service handles synchronization between client and server
type service struct {
	apiClient       httpClient.ClientAPI
	replica         storage.ReplicaStorage
	metadataStorage storage.MetadataStorage
	logger          *slog.Logger
	retryDelay      time.Duration
}

// NewService creates a new sync service
func NewService(apiClient httpClient.ClientAPI, replica storage.ReplicaStorage, metadataStorage storage.MetadataStorage, logger *slog.Logger) Service {
	return &service{
		apiClient:       apiClient,
		replica:         replica,
		metadataStorage: metadataStorage,
		logger:          logger,
		retryDelay:      defaultRetryDelay,
	}
}

// CatchUp applies every queued change, acknowledging each one after it is
// stored locally. Stored but unacknowledged changes are redelivered by the
// server and dropped here as duplicates.
func (s *service) CatchUp(ctx context.Context, clientID uuid.UUID) (*Result, error) {
	changes, err := s.apiClient.QueuedChanges(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queue: %w", err)
	}

	result := &Result{Received: len(changes)}
	for _, change := range changes {
		applied, err := s.apply(ctx, change)
		if err != nil {
			return result, err
		}
		if applied {
			result.Applied++
		} else {
			result.Duplicates++
		}

		if err := s.apiClient.Ack(ctx, clientID, change.ChangeID); err != nil {
			return result, fmt.Errorf("failed to ack change %s: %w", change.ChangeID, err)
		}
	}

	s.logger.Info("Catch-up completed",
		"received", result.Received,
		"applied", result.Applied,
		"duplicates", result.Duplicates)

	return result, nil
}

// Watch keeps a live stream open until ctx is cancelled
func (s *service) Watch(ctx context.Context, clientID uuid.UUID, filters []models.SyncFilters, onChange func(models.ContextChange)) error {
	delay := s.retryDelay

	for {
		err := s.consume(ctx, clientID, filters, onChange, func() { delay = s.retryDelay })
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warn("Sync stream interrupted, reconnecting",
			"error", err,
			"retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

// consume runs one stream connection. connected is called once the
// subscription is confirmed.
func (s *service) consume(ctx context.Context, clientID uuid.UUID, filters []models.SyncFilters, onChange func(models.ContextChange), connected func()) error {
	stream, err := s.apiClient.Stream(ctx, clientID, filters)
	if err != nil {
		return err
	}
	defer func() {
		_ = stream.Close()
	}()

	connected()
	s.logger.Info("Sync stream connected", "client_id", clientID)

	for {
		change, err := stream.Next(ctx)
		if errors.Is(err, httpClient.ErrStreamMessage) {
			s.logger.Warn("Server reported a stream error", "error", err)
			continue
		}
		if err != nil {
			return err
		}

		applied, err := s.apply(ctx, change)
		if err != nil {
			return err
		}

		if err := stream.Ack(ctx, change.ChangeID); err != nil {
			return err
		}

		if applied && onChange != nil {
			onChange(change)
		}
	}
}

func (s *service) apply(ctx context.Context, change models.ContextChange) (bool, error) {
	applied, err := s.replica.ApplyChange(ctx, change)
	if err != nil {
		return false, fmt.Errorf("failed to apply change %s: %w", change.ChangeID, err)
	}

	if !applied {
		s.logger.Debug("Duplicate change skipped", "change_id", change.ChangeID)
		return false, nil
	}

	s.logger.Debug("Change applied",
		"change_id", change.ChangeID,
		"entity", change.EntityKey(),
		"version", change.Metadata.Version)

	// Ошибка сохранения времени не прерывает синхронизацию
	if err := s.metadataStorage.SaveLastSync(ctx, time.Now().UTC()); err != nil {
		s.logger.Warn("Failed to save last sync time", "error", err)
	}

	return true, nil
}
