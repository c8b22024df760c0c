package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

// DynamoAPI is the slice of the DynamoDB client the stores use.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoTables names the backing tables.
type DynamoTables struct {
	LapLog     string
	CarLastLap string
	FlagLog    string
}

// Dynamo implements the store interfaces on DynamoDB. Each table uses a
// composite key: pk scopes the event/session, sk scopes the record.
type Dynamo struct {
	client DynamoAPI
	tables DynamoTables
}

// NewDynamo builds a DynamoDB-backed store.
func NewDynamo(client DynamoAPI, tables DynamoTables) (*Dynamo, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if tables.LapLog == "" || tables.CarLastLap == "" || tables.FlagLog == "" {
		return nil, fmt.Errorf("all table names are required")
	}
	return &Dynamo{client: client, tables: tables}, nil
}

type lapLogItem struct {
	PK           string `dynamodbav:"pk"`
	SK           string `dynamodbav:"sk"`
	RecordID     string `dynamodbav:"recordId"`
	EventID      int    `dynamodbav:"eventId"`
	SessionID    int    `dynamodbav:"sessionId"`
	CarNumber    string `dynamodbav:"carNumber"`
	LapNumber    int    `dynamodbav:"lapNumber"`
	Flag         string `dynamodbav:"flag"`
	TimestampMS  int64  `dynamodbav:"timestampMs"`
	SnapshotJSON string `dynamodbav:"snapshotJson"`
}

func lapLogPK(eventID, sessionID int) string {
	return fmt.Sprintf("event#%d#session#%d", eventID, sessionID)
}

// Append implements LapLogStore with a conditional put; a lap that was
// already written is treated as a successful duplicate.
func (d *Dynamo) Append(ctx context.Context, record CarLapLog) error {
	item, err := attributevalue.MarshalMap(lapLogItem{
		PK:           lapLogPK(record.EventID, record.SessionID),
		SK:           fmt.Sprintf("car#%s#lap#%06d", timing.NormalizeCarNumber(record.CarNumber), record.LapNumber),
		RecordID:     record.RecordID,
		EventID:      record.EventID,
		SessionID:    record.SessionID,
		CarNumber:    record.CarNumber,
		LapNumber:    record.LapNumber,
		Flag:         string(record.Flag),
		TimestampMS:  record.TimestampMS,
		SnapshotJSON: record.SnapshotJSON,
	})
	if err != nil {
		return fmt.Errorf("marshaling lap log item: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tables.LapLog),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) AND attribute_not_exists(sk)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return nil
		}
		return fmt.Errorf("appending lap log: %w", err)
	}
	return nil
}

func isConditionalFailure(err error) bool {
	var conditional *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &conditional) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

type lastLapItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	CarNumber string `dynamodbav:"carNumber"`
	LastLap   int    `dynamodbav:"lastLap"`
}

// Upsert implements CarLastLapStore.
func (d *Dynamo) Upsert(ctx context.Context, eventID, sessionID int, carNumber string, lastLap int) error {
	item, err := attributevalue.MarshalMap(lastLapItem{
		PK:        lapLogPK(eventID, sessionID),
		SK:        "car#" + timing.NormalizeCarNumber(carNumber),
		CarNumber: carNumber,
		LastLap:   lastLap,
	})
	if err != nil {
		return fmt.Errorf("marshaling last lap item: %w", err)
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tables.CarLastLap),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("upserting last lap: %w", err)
	}
	return nil
}

// GetAll implements CarLastLapStore.
func (d *Dynamo) GetAll(ctx context.Context, eventID, sessionID int) (map[string]int, error) {
	out := make(map[string]int)
	var startKey map[string]ddbtypes.AttributeValue
	for {
		resp, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tables.CarLastLap),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":pk": &ddbtypes.AttributeValueMemberS{Value: lapLogPK(eventID, sessionID)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying last laps: %w", err)
		}
		for _, raw := range resp.Items {
			var item lastLapItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("unmarshaling last lap item: %w", err)
			}
			out[timing.NormalizeCarNumber(item.CarNumber)] = item.LastLap
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		startKey = resp.LastEvaluatedKey
	}
	return out, nil
}

type flagLogItem struct {
	PK        string             `dynamodbav:"pk"`
	SessionID int                `dynamodbav:"sessionId"`
	Durations []flagDurationItem `dynamodbav:"durations"`
}

type flagDurationItem struct {
	Flag        string `dynamodbav:"flag"`
	StartTimeMS int64  `dynamodbav:"startTimeMs"`
	EndTimeMS   int64  `dynamodbav:"endTimeMs"`
}

// Replace implements FlagLogStore.
func (d *Dynamo) Replace(ctx context.Context, sessionID int, durations []timing.FlagDuration) error {
	items := make([]flagDurationItem, 0, len(durations))
	for _, fd := range durations {
		items = append(items, flagDurationItem{
			Flag:        string(fd.Flag),
			StartTimeMS: fd.StartTimeMS,
			EndTimeMS:   fd.EndTimeMS,
		})
	}
	item, err := attributevalue.MarshalMap(flagLogItem{
		PK:        "session#" + strconv.Itoa(sessionID),
		SessionID: sessionID,
		Durations: items,
	})
	if err != nil {
		return fmt.Errorf("marshaling flag log item: %w", err)
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tables.FlagLog),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("replacing flag log: %w", err)
	}
	return nil
}

// Load implements FlagLogStore.
func (d *Dynamo) Load(ctx context.Context, sessionID int) ([]timing.FlagDuration, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tables.FlagLog),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: "session#" + strconv.Itoa(sessionID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loading flag log: %w", err)
	}
	if len(resp.Item) == 0 {
		return nil, nil
	}
	var item flagLogItem
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling flag log item: %w", err)
	}
	out := make([]timing.FlagDuration, 0, len(item.Durations))
	for _, fd := range item.Durations {
		out = append(out, timing.FlagDuration{
			Flag:        timing.Flag(fd.Flag),
			StartTimeMS: fd.StartTimeMS,
			EndTimeMS:   fd.EndTimeMS,
		})
	}
	return out, nil
}
