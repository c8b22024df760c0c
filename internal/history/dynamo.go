package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

// DynamoAPI is the slice of the DynamoDB client the history store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoStore keeps each car's window as one item holding a JSON list,
// newest first. The pipeline is the only writer for its event, so the
// read-modify-write in AddLap needs no conditional guard; a local mutex
// keeps concurrent enricher triggers from interleaving.
type DynamoStore struct {
	client DynamoAPI
	table  string
	size   int

	mu sync.Mutex
}

// NewDynamoStore builds a DynamoDB-backed Store retaining size snapshots
// per car.
func NewDynamoStore(client DynamoAPI, table string, size int) (*DynamoStore, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if table == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if size <= 0 {
		return nil, fmt.Errorf("history size must be positive, got %d", size)
	}
	return &DynamoStore{client: client, table: table, size: size}, nil
}

// AddLap implements Store.
func (s *DynamoStore) AddLap(ctx context.Context, eventID int, carNumber string, pos timing.CarPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(ctx, eventID, carNumber)
	if err != nil {
		return err
	}
	window := append([]timing.CarPosition{pos.Clone()}, current...)
	if len(window) > s.size {
		window = window[:s.size]
	}

	payload, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("marshaling lap window: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]ddbtypes.AttributeValue{
			"pk":   &ddbtypes.AttributeValueMemberS{Value: historyKey(eventID, carNumber)},
			"laps": &ddbtypes.AttributeValueMemberS{Value: string(payload)},
		},
	})
	if err != nil {
		return fmt.Errorf("writing lap window: %w", err)
	}
	return nil
}

// GetLaps implements Store.
func (s *DynamoStore) GetLaps(ctx context.Context, eventID int, carNumber string) ([]timing.CarPosition, error) {
	return s.load(ctx, eventID, carNumber)
}

func (s *DynamoStore) load(ctx context.Context, eventID int, carNumber string) ([]timing.CarPosition, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: historyKey(eventID, carNumber)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading lap window: %w", err)
	}
	raw, ok := resp.Item["laps"]
	if !ok {
		return []timing.CarPosition{}, nil
	}
	member, ok := raw.(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("lap window attribute has unexpected type %T", raw)
	}
	var window []timing.CarPosition
	if err := json.Unmarshal([]byte(member.Value), &window); err != nil {
		return nil, fmt.Errorf("unmarshaling lap window: %w", err)
	}
	return window, nil
}
