package charging

import (
	"context"
	"fmt"
)

// UpdateSession overwrites or extends an opaque session blob. A
// non-empty overwrite payload wins unconditionally; otherwise the
// fragment is appended to the existing payload, which must exist.
// The committed payload is returned.
func (service *Service) UpdateSession(ctx context.Context, sessionID SessionID, overwritePayload string, appendFragment string) (string, error) {
	if overwritePayload == "" && appendFragment == "" {
		return "", fmt.Errorf("%w: neither overwrite nor append payload given", ErrInvalidSessionUpdate)
	}
	var committed string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		payload := overwritePayload
		if payload == "" {
			existing, err := transactionStore.GetSession(ctx, sessionID)
			if err != nil {
				return err
			}
			payload = existing.Payload + appendFragment
		}
		session := SessionRecord{
			SessionID:        sessionID,
			Payload:          payload,
			TouchedUnixMilli: service.nowFn(),
		}
		if err := transactionStore.UpsertSession(ctx, session); err != nil {
			return err
		}
		committed = payload
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationUpdateSession,
		SessionID: sessionID,
		Error:     operationError,
	})
	return committed, operationError
}
