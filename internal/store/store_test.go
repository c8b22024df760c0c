package store

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

func TestMemoryLapLogFirstWriteWins(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	first := CarLapLog{RecordID: "a", EventID: 7, SessionID: 1, CarNumber: "42", LapNumber: 3, Flag: timing.FlagGreen}
	dup := CarLapLog{RecordID: "b", EventID: 7, SessionID: 1, CarNumber: " 42 ", LapNumber: 3, Flag: timing.FlagYellow}

	require.NoError(t, m.Append(ctx, first))
	require.NoError(t, m.Append(ctx, dup))

	logs := m.LapLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "a", logs[0].RecordID)
	assert.Equal(t, timing.FlagGreen, logs[0].Flag)
}

func TestMemoryLastLapRoundtrip(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, 7, 1, "X7", 4))
	require.NoError(t, m.Upsert(ctx, 7, 1, "x7", 5))
	require.NoError(t, m.Upsert(ctx, 7, 2, "x7", 9))

	got, err := m.GetAll(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"x7": 5}, got)

	other, err := m.GetAll(ctx, 7, 99)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryFlagLogReplaceIsDefensive(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	durations := []timing.FlagDuration{{Flag: timing.FlagGreen, StartTimeMS: 100}}
	require.NoError(t, m.Replace(ctx, 1, durations))
	durations[0].Flag = timing.FlagRed

	got, err := m.Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, timing.FlagGreen, got[0].Flag)
}

type fakeDynamo struct {
	putInputs  []*dynamodb.PutItemInput
	putErr     error
	queryPages []*dynamodb.QueryOutput
	getOutput  *dynamodb.GetItemOutput
}

func (f *fakeDynamo) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, params)
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getOutput != nil {
		return f.getOutput, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamo) Query(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if len(f.queryPages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return page, nil
}

func testTables() DynamoTables {
	return DynamoTables{LapLog: "laps", CarLastLap: "last-laps", FlagLog: "flags"}
}

func TestNewDynamoValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := NewDynamo(nil, testTables())
	assert.Error(t, err)

	_, err = NewDynamo(&fakeDynamo{}, DynamoTables{LapLog: "laps"})
	assert.Error(t, err)
}

func TestDynamoAppendTreatsConditionalFailureAsDuplicate(t *testing.T) {
	t.Parallel()

	fake := &fakeDynamo{putErr: &ddbtypes.ConditionalCheckFailedException{}}
	d, err := NewDynamo(fake, testTables())
	require.NoError(t, err)

	err = d.Append(context.Background(), CarLapLog{EventID: 7, SessionID: 1, CarNumber: "42", LapNumber: 3})
	assert.NoError(t, err)
	require.Len(t, fake.putInputs, 1)
	assert.Contains(t, *fake.putInputs[0].ConditionExpression, "attribute_not_exists")
}

func TestDynamoGetAllPaginates(t *testing.T) {
	t.Parallel()

	pageKey := map[string]ddbtypes.AttributeValue{"pk": &ddbtypes.AttributeValueMemberS{Value: "event#7#session#1"}}
	fake := &fakeDynamo{
		queryPages: []*dynamodb.QueryOutput{
			{
				Items: []map[string]ddbtypes.AttributeValue{{
					"carNumber": &ddbtypes.AttributeValueMemberS{Value: "42"},
					"lastLap":   &ddbtypes.AttributeValueMemberN{Value: "5"},
				}},
				LastEvaluatedKey: pageKey,
			},
			{
				Items: []map[string]ddbtypes.AttributeValue{{
					"carNumber": &ddbtypes.AttributeValueMemberS{Value: "X7"},
					"lastLap":   &ddbtypes.AttributeValueMemberN{Value: "2"},
				}},
			},
		},
	}
	d, err := NewDynamo(fake, testTables())
	require.NoError(t, err)

	got, err := d.GetAll(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"42": 5, "x7": 2}, got)
}
