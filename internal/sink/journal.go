package sink

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cachesync/cachesync/internal/resolver"
	"github.com/cachesync/cachesync/internal/storage"
)

// JournalStore is implemented by *storage.Journal.
type JournalStore interface {
	Append(refs []storage.Ref) (uint64, error)
	Prune(before uint64) (int, error)
}

// Journal records each batch as one journal entry. When retention is
// positive only the newest retention entries are kept.
type Journal struct {
	journal   JournalStore
	retention uint64
	logger    *zap.Logger
}

func NewJournal(j JournalStore, retention int, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention < 0 {
		retention = 0
	}
	return &Journal{journal: j, retention: uint64(retention), logger: logger}
}

func (j *Journal) Apply(ctx context.Context, refs []resolver.EntityRef) error {
	entry := make([]storage.Ref, len(refs))
	for i, ref := range refs {
		entry[i] = storage.Ref{EntityType: ref.EntityType, ID: FormatID(ref.ID)}
	}

	seq, err := j.journal.Append(entry)
	if err != nil {
		return fmt.Errorf("failed to journal %d refs: %w", len(refs), err)
	}

	if j.retention == 0 || seq <= j.retention {
		return nil
	}
	removed, err := j.journal.Prune(seq - j.retention + 1)
	if err != nil {
		// the batch itself is durable; pruning is retried on the next append
		j.logger.Warn("failed to prune journal", zap.Uint64("sequence", seq), zap.Error(err))
		return nil
	}
	if removed > 0 {
		j.logger.Debug("pruned journal", zap.Int("removed", removed), zap.Uint64("sequence", seq))
	}
	return nil
}
