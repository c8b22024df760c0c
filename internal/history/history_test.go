package history

import (
	"context"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

func lapSnapshot(car string, lap int) timing.CarPosition {
	return timing.CarPosition{
		Number:           car,
		LastLapCompleted: lap,
		LastLapTime:      "00:01:30.000",
		TrackFlag:        timing.FlagGreen,
	}
}

func TestMemoryStoreTrimsToSizeNewestFirst(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(3)
	require.NoError(t, err)
	ctx := context.Background()

	for lap := 1; lap <= 5; lap++ {
		require.NoError(t, s.AddLap(ctx, 7, "42", lapSnapshot("42", lap)))
	}

	laps, err := s.GetLaps(ctx, 7, "42")
	require.NoError(t, err)
	require.Len(t, laps, 3)
	for i, want := range []int{5, 4, 3} {
		assert.Equal(t, want, laps[i].LastLapCompleted)
	}
}

func TestMemoryStoreReturnsDeepCopies(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(5)
	require.NoError(t, err)
	ctx := context.Background()

	snap := lapSnapshot("42", 1)
	snap.CompletedSections = []string{"S1", "S2"}
	require.NoError(t, s.AddLap(ctx, 7, "42", snap))

	first, err := s.GetLaps(ctx, 7, "42")
	require.NoError(t, err)
	first[0].LastLapCompleted = 99
	first[0].CompletedSections[0] = "mutated"

	second, err := s.GetLaps(ctx, 7, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, second[0].LastLapCompleted)
	assert.Equal(t, "S1", second[0].CompletedSections[0])
}

func TestAddLapStoresDetachedSnapshot(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(5)
	require.NoError(t, err)
	ctx := context.Background()

	snap := lapSnapshot("42", 1)
	snap.CompletedSections = []string{"S1"}
	require.NoError(t, s.AddLap(ctx, 7, "42", snap))
	snap.CompletedSections[0] = "mutated"
	snap.LastLapCompleted = 99

	laps, err := s.GetLaps(ctx, 7, "42")
	require.NoError(t, err)
	require.Len(t, laps, 1)
	assert.Equal(t, 1, laps[0].LastLapCompleted)
	assert.Equal(t, "S1", laps[0].CompletedSections[0])
}

func TestMemoryStoreKeysByEventAndNormalizedCar(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(5)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.AddLap(ctx, 7, "X7", lapSnapshot("X7", 1)))
	require.NoError(t, s.AddLap(ctx, 8, "x7", lapSnapshot("x7", 9)))

	laps, err := s.GetLaps(ctx, 7, " x7 ")
	require.NoError(t, err)
	require.Len(t, laps, 1)
	assert.Equal(t, 1, laps[0].LastLapCompleted)

	unknown, err := s.GetLaps(ctx, 7, "99")
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

type fakeKV struct {
	items map[string]map[string]ddbtypes.AttributeValue
}

func (f *fakeKV) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	pk := params.Item["pk"].(*ddbtypes.AttributeValueMemberS).Value
	if f.items == nil {
		f.items = make(map[string]map[string]ddbtypes.AttributeValue)
	}
	f.items[pk] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeKV) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	pk := params.Key["pk"].(*ddbtypes.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[pk]}, nil
}

func TestDynamoStoreRoundtripAndTrim(t *testing.T) {
	t.Parallel()

	s, err := NewDynamoStore(&fakeKV{}, "history", 2)
	require.NoError(t, err)
	ctx := context.Background()

	for lap := 1; lap <= 4; lap++ {
		require.NoError(t, s.AddLap(ctx, 7, "42", lapSnapshot("42", lap)))
	}

	laps, err := s.GetLaps(ctx, 7, "42")
	require.NoError(t, err)
	require.Len(t, laps, 2)
	assert.Equal(t, 4, laps[0].LastLapCompleted)
	assert.Equal(t, 3, laps[1].LastLapCompleted)
}

func TestNewStoresRejectBadArguments(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, -1} {
		size := size
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			t.Parallel()
			if _, err := NewMemoryStore(size); err == nil {
				t.Fatalf("expected error for size %d", size)
			}
			if _, err := NewDynamoStore(&fakeKV{}, "history", size); err == nil {
				t.Fatalf("expected error for size %d", size)
			}
		})
	}

	_, err := NewDynamoStore(nil, "history", 5)
	assert.Error(t, err)
	_, err = NewDynamoStore(&fakeKV{}, "", 5)
	assert.Error(t, err)
}
