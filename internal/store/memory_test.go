package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := Key{Hash: StringKey("v123")}

	_, err := m.GetItem(ctx, TableViewpoint, key)
	assert.True(t, IsNotFound(err))

	err = m.PutItem(ctx, TableViewpoint, key, Item{"title": String("trip")}, nil)
	require.NoError(t, err)

	it, err := m.GetItem(ctx, TableViewpoint, key)
	require.NoError(t, err)
	assert.Equal(t, "trip", it.GetString("title"))
	assert.Equal(t, "v123", it.GetString("viewpoint_id"))

	err = m.DeleteItem(ctx, TableViewpoint, key, nil)
	require.NoError(t, err)
	_, err = m.GetItem(ctx, TableViewpoint, key)
	assert.True(t, IsNotFound(err))
}

func TestConditionalPut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := Key{Hash: StringKey("op:1")}

	absent := map[string]Expected{"lock_id": ExpectAbsent()}
	require.NoError(t, m.PutItem(ctx, TableLock, key, Item{"owner_id": String("a")}, absent))

	err := m.PutItem(ctx, TableLock, key, Item{"owner_id": String("b")}, absent)
	assert.True(t, IsConditionalCheckFailed(err))

	// Expected-value precondition.
	ownedByA := map[string]Expected{"owner_id": ExpectValue(String("a"))}
	require.NoError(t, m.PutItem(ctx, TableLock, key, Item{"owner_id": String("a"), "renewed": Number(1)}, ownedByA))

	ownedByB := map[string]Expected{"owner_id": ExpectValue(String("b"))}
	err = m.DeleteItem(ctx, TableLock, key, ownedByB)
	assert.True(t, IsConditionalCheckFailed(err))
	require.NoError(t, m.DeleteItem(ctx, TableLock, key, ownedByA))
}

func TestUpdateAdd(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := Key{Hash: NumberKey(7)}

	it, err := m.UpdateItem(ctx, TableUser, key, map[string]Update{
		"asset_id_seq": Add(Number(10)),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), it.GetNumber("asset_id_seq"))

	it, err = m.UpdateItem(ctx, TableUser, key, map[string]Update{
		"asset_id_seq": Add(Number(5)),
		"name":         Put(String("kim")),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(15), it.GetNumber("asset_id_seq"))
	assert.Equal(t, "kim", it.GetString("name"))

	// Set union.
	it, err = m.UpdateItem(ctx, TableFollower, Key{Hash: NumberKey(1), Sort: StringKey("v1")}, map[string]Update{
		"labels": Add(StringSet("admin")),
	}, nil)
	require.NoError(t, err)
	it, err = m.UpdateItem(ctx, TableFollower, Key{Hash: NumberKey(1), Sort: StringKey("v1")}, map[string]Update{
		"labels": Add(StringSet("contribute")),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "contribute"}, it.GetStringSet("labels"))
}

func TestQueryRangeConditions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []int64{1, 2, 3, 5, 8} {
		key := Key{Hash: NumberKey(42), Sort: NumberKey(id)}
		require.NoError(t, m.PutItem(ctx, TableNotification, key, Item{"name": String("n")}, nil))
	}

	ids := func(res QueryResult) []int64 {
		var out []int64
		for _, it := range res.Items {
			out = append(out, it.GetNumber("notification_id"))
		}
		return out
	}

	res, err := m.Query(ctx, TableNotification, NumberKey(42), nil, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 5, 8}, ids(res))

	res, err = m.Query(ctx, TableNotification, NumberKey(42),
		&RangeCondition{Op: RangeGT, Value: NumberKey(2)}, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 8}, ids(res))

	res, err = m.Query(ctx, TableNotification, NumberKey(42),
		&RangeCondition{Op: RangeBetween, Value: NumberKey(2), Value2: NumberKey(5)}, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 5}, ids(res))

	// Descending with a limit pages from the top.
	res, err = m.Query(ctx, TableNotification, NumberKey(42), nil, QueryOptions{Descending: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 5}, ids(res))
	require.NotNil(t, res.LastEvaluated)

	res, err = m.Query(ctx, TableNotification, NumberKey(42), nil,
		QueryOptions{Descending: true, ExclusiveStart: res.LastEvaluated})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, ids(res))
}

func TestQueryBeginsWith(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, sk := range []string{"a1", "a2", "b1"} {
		key := Key{Hash: NumberKey(1), Sort: StringKey(sk)}
		require.NoError(t, m.PutItem(ctx, TableFollowed, key, Item{}, nil))
	}
	res, err := m.Query(ctx, TableFollowed, NumberKey(1),
		&RangeCondition{Op: RangeBeginsWith, Value: StringKey("a")}, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
}

func TestBatchGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.PutItem(ctx, TablePhoto, Key{Hash: StringKey("p1")}, Item{"size": Number(100)}, nil))
	require.NoError(t, m.PutItem(ctx, TablePhoto, Key{Hash: StringKey("p3")}, Item{"size": Number(300)}, nil))

	items, err := m.BatchGetItem(ctx, TablePhoto, []Key{
		{Hash: StringKey("p1")}, {Hash: StringKey("p2")}, {Hash: StringKey("p3")},
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, int64(100), items[0].GetNumber("size"))
	assert.Nil(t, items[1])
	assert.Equal(t, int64(300), items[2].GetNumber("size"))
}

func TestScanPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := int64(1); i <= 5; i++ {
		key := Key{Hash: NumberKey(i), Sort: StringKey("o1")}
		require.NoError(t, m.PutItem(ctx, TableOperation, key, Item{"method": String("x")}, nil))
	}
	var seen int
	var start *Key
	for {
		res, err := m.Scan(ctx, TableOperation, ScanOptions{Limit: 2, ExclusiveStart: start})
		require.NoError(t, err)
		seen += len(res.Items)
		if res.LastEvaluated == nil {
			break
		}
		start = res.LastEvaluated
	}
	assert.Equal(t, 5, seen)
}
