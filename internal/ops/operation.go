// Package ops is the operation execution engine: durable operation records,
// the per-user scheduler, and the four-phase executor that turns client
// requests into idempotent, retry-safe mutations of the entity graph.
package ops

import (
	"context"
	"encoding/json"

	"github.com/viewfinderco/viewfinder/internal/idcodec"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// Operation is the durable record of a pending or in-flight work unit.
// Operations for a user execute in operation_id ascending order.
type Operation struct {
	UserID       int64
	OperationID  string
	Method       string
	Args         json.RawMessage
	DeviceID     int64
	Timestamp    int64
	Attempts     int64
	Checkpoint   json.RawMessage
	BackoffUntil int64
	Quarantine   bool
}

// ConstructOperationID builds an operation id from the submitting device and
// its local sequence. Ids from one device sort in allocation order, which is
// what gives the queue its FIFO order.
func ConstructOperationID(deviceID, localID int64) string {
	return idcodec.ConstructDeviceAssetID(idcodec.PrefixOperation,
		uint64(deviceID), idcodec.Uniquifier{LocalID: uint64(localID)})
}

func operationKey(userID int64, operationID string) store.Key {
	return store.Key{Hash: store.NumberKey(userID), Sort: store.StringKey(operationID)}
}

func operationFromItem(it store.Item) *Operation {
	op := &Operation{
		UserID:       it.GetNumber("user_id"),
		OperationID:  it.GetString("operation_id"),
		Method:       it.GetString("method"),
		DeviceID:     it.GetNumber("device_id"),
		Timestamp:    it.GetNumber("timestamp"),
		Attempts:     it.GetNumber("attempts"),
		BackoffUntil: it.GetNumber("backoff_until"),
		Quarantine:   it.GetNumber("quarantine") != 0,
	}
	if s := it.GetString("json"); s != "" {
		op.Args = json.RawMessage(s)
	}
	if s := it.GetString("checkpoint"); s != "" {
		op.Checkpoint = json.RawMessage(s)
	}
	return op
}

// CreateOperation persists a new operation row. Creating an id that already
// exists is a no-op: the client retried a request the server already
// accepted.
func CreateOperation(ctx context.Context, client store.Client, op *Operation) error {
	attrs := store.Item{
		"method":    store.String(op.Method),
		"json":      store.String(string(op.Args)),
		"device_id": store.Number(op.DeviceID),
		"timestamp": store.Number(op.Timestamp),
	}
	err := client.PutItem(ctx, store.TableOperation, operationKey(op.UserID, op.OperationID), attrs,
		map[string]store.Expected{"operation_id": store.ExpectAbsent()})
	if store.IsConditionalCheckFailed(err) {
		return nil
	}
	return err
}

// GetOperation loads one operation row or nil when absent.
func GetOperation(ctx context.Context, client store.Client, userID int64, operationID string) (*Operation, error) {
	it, err := client.GetItem(ctx, store.TableOperation, operationKey(userID, operationID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return operationFromItem(it), nil
}

// ScanPendingOps returns a user's pending operations with id > startID, in
// ascending id order, with a small prefetch.
func ScanPendingOps(ctx context.Context, client store.Client, userID int64, startID string, limit int) ([]*Operation, error) {
	var cond *store.RangeCondition
	if startID != "" {
		cond = &store.RangeCondition{Op: store.RangeGT, Value: store.StringKey(startID)}
	}
	if limit <= 0 {
		limit = 10
	}
	res, err := client.Query(ctx, store.TableOperation, store.NumberKey(userID), cond,
		store.QueryOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]*Operation, len(res.Items))
	for i, it := range res.Items {
		out[i] = operationFromItem(it)
	}
	return out, nil
}

// CompleteOp deletes a finished operation row.
func CompleteOp(ctx context.Context, client store.Client, userID int64, operationID string) error {
	return client.DeleteItem(ctx, store.TableOperation, operationKey(userID, operationID), nil)
}

// SetCheckpoint persists the operation's opaque checkpoint blob. The blob
// survives crashes and is restored on retry so that UPDATE and NOTIFY replay
// deterministically.
func SetCheckpoint(ctx context.Context, client store.Client, op *Operation, blob json.RawMessage) error {
	_, err := client.UpdateItem(ctx, store.TableOperation, operationKey(op.UserID, op.OperationID),
		map[string]store.Update{"checkpoint": store.Put(store.String(string(blob)))}, nil)
	if err != nil {
		return err
	}
	op.Checkpoint = blob
	return nil
}

// RecordFailure bumps the attempt count and backoff deadline.
func RecordFailure(ctx context.Context, client store.Client, op *Operation, backoffUntil int64) error {
	op.Attempts++
	op.BackoffUntil = backoffUntil
	_, err := client.UpdateItem(ctx, store.TableOperation, operationKey(op.UserID, op.OperationID),
		map[string]store.Update{
			"attempts":      store.Put(store.Number(op.Attempts)),
			"backoff_until": store.Put(store.Number(backoffUntil)),
		}, nil)
	return err
}

// SetQuarantine parks an operation that exhausted its retry budget. The
// scheduler skips quarantined rows until they are manually cleared.
func SetQuarantine(ctx context.Context, client store.Client, op *Operation) error {
	op.Quarantine = true
	_, err := client.UpdateItem(ctx, store.TableOperation, operationKey(op.UserID, op.OperationID),
		map[string]store.Update{"quarantine": store.Put(store.Number(1))}, nil)
	return err
}
