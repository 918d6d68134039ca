package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registryattach "github.com/driftbound/convoy/internal/registry/attach"
	registrystore "github.com/driftbound/convoy/internal/registry/store"
	"github.com/google/uuid"
)

type AttachmentCleanupService struct {
	store       registrystore.MemoryStore
	attachStore registryattach.AttachmentStore
	interval    time.Duration
}

func NewAttachmentCleanupService(store registrystore.MemoryStore, attachStore registryattach.AttachmentStore, interval time.Duration) *AttachmentCleanupService {
	return &AttachmentCleanupService{
		store:       store,
		attachStore: attachStore,
		interval:    interval,
	}
}

func (s *AttachmentCleanupService) Start(ctx context.Context) {
	if s == nil || s.store == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(ctx)
		}
	}
}

func (s *AttachmentCleanupService) cleanupOnce(ctx context.Context) {
	s.reapExpired(ctx)
	s.retryPendingBlobDeletes(ctx)
}

// reapExpired removes unlinked attachments past their expiry, ref-counting
// each one's storage key before touching its blob.
func (s *AttachmentCleanupService) reapExpired(ctx context.Context) {
	var afterCursor *string
	for {
		attachments, cursor, err := s.store.AdminListAttachments(ctx, registrystore.AdminAttachmentQuery{
			Status:      "expired",
			Limit:       200,
			AfterCursor: afterCursor,
		})
		if err != nil {
			log.Error("Attachment cleanup list failed", "err", err)
			return
		}
		for _, attachment := range attachments {
			// Cleanup only unlinked attachments.
			if attachment.EntryID != nil {
				continue
			}
			s.deleteAndFinalize(ctx, attachment.ID, func() (*registrystore.AttachmentDeleteOutcome, error) {
				return s.store.AdminDeleteAttachment(ctx, attachment.ID)
			})
		}
		if cursor == nil {
			return
		}
		afterCursor = cursor
	}
}

// retryPendingBlobDeletes picks up attachment rows left soft-deleted by a
// crash between committing the row's deletion and removing its blob, and
// retries the blob delete so no live-referenced-turned-orphan blob is
// permanently skipped.
func (s *AttachmentCleanupService) retryPendingBlobDeletes(ctx context.Context) {
	if s.attachStore == nil {
		return
	}
	var afterCursor *string
	for {
		attachments, cursor, err := s.store.AdminListAttachments(ctx, registrystore.AdminAttachmentQuery{
			Status:      "pending-blob-delete",
			Limit:       200,
			AfterCursor: afterCursor,
		})
		if err != nil {
			log.Error("Attachment cleanup pending-blob-delete list failed", "err", err)
			return
		}
		for _, attachment := range attachments {
			if attachment.StorageKey == nil {
				continue
			}
			if err := s.attachStore.Delete(ctx, *attachment.StorageKey); err != nil {
				log.Warn("Attachment cleanup blob retry failed", "attachmentId", attachment.ID.String(), "err", err)
				continue
			}
			if err := s.store.AdminFinalizeAttachmentDeletion(ctx, attachment.ID); err != nil {
				log.Error("Attachment cleanup finalize failed", "attachmentId", attachment.ID.String(), "err", err)
			}
		}
		if cursor == nil {
			return
		}
		afterCursor = cursor
	}
}

func (s *AttachmentCleanupService) deleteAndFinalize(ctx context.Context, attachmentID uuid.UUID, del func() (*registrystore.AttachmentDeleteOutcome, error)) {
	outcome, err := del()
	if err != nil {
		log.Error("Attachment cleanup delete failed", "attachmentId", attachmentID.String(), "err", err)
		return
	}
	if !outcome.BlobShouldDelete || outcome.StorageKey == nil || s.attachStore == nil {
		return
	}
	if err := s.attachStore.Delete(ctx, *outcome.StorageKey); err != nil {
		log.Warn("Attachment cleanup blob delete failed", "attachmentId", attachmentID.String(), "err", err)
		return
	}
	if err := s.store.AdminFinalizeAttachmentDeletion(ctx, attachmentID); err != nil {
		log.Error("Attachment cleanup finalize failed", "attachmentId", attachmentID.String(), "err", err)
	}
}
