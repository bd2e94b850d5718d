package features

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Validate checks the fields every downstream stage relies on.
// It returns a *domain.MalformedRecordError describing the first problem found.
func Validate(tx *domain.Transaction) error {
	switch {
	case tx.Hash == "":
		return &domain.MalformedRecordError{TxHash: "<none>", Field: "hash", Reason: "is missing"}
	case tx.From == "":
		return &domain.MalformedRecordError{TxHash: tx.Hash, Field: "from", Reason: "is missing"}
	case tx.To == "":
		return &domain.MalformedRecordError{TxHash: tx.Hash, Field: "to", Reason: "is missing"}
	case !common.IsHexAddress(tx.From):
		return &domain.MalformedRecordError{TxHash: tx.Hash, Field: "from", Reason: "is not a hex address"}
	case !common.IsHexAddress(tx.To):
		return &domain.MalformedRecordError{TxHash: tx.Hash, Field: "to", Reason: "is not a hex address"}
	case tx.Value.IsNegative():
		return &domain.MalformedRecordError{TxHash: tx.Hash, Field: "value", Reason: "is negative"}
	case tx.PositionInBlock < 0:
		return &domain.MalformedRecordError{TxHash: tx.Hash, Field: "positionInBlock", Reason: "is negative"}
	}
	return nil
}

// FilterValid returns normalised copies of the valid transactions in txs.
// Each malformed record is logged and returned in skipped; it never aborts the batch.
func FilterValid(logger *slog.Logger, txs []domain.Transaction) (valid []domain.Transaction, skipped []error) {
	if logger == nil {
		logger = slog.Default()
	}

	valid = make([]domain.Transaction, 0, len(txs))
	for i := range txs {
		if err := Validate(&txs[i]); err != nil {
			logger.Warn("skipping malformed transaction",
				"block", txs[i].BlockNumber,
				"position", txs[i].PositionInBlock,
				"error", err,
			)
			skipped = append(skipped, err)
			continue
		}

		tx := txs[i]
		tx.From = domain.NormalizeAddress(tx.From)
		tx.To = domain.NormalizeAddress(tx.To)
		valid = append(valid, tx)
	}
	return valid, skipped
}
