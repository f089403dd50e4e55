package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jo-hoe/pixelmarket/internal/backend/database"
)

const (
	tokenKeyPrefix       = "TOKEN#"
	transactionKeyPrefix = "TX#"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoTokenStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoConfig holds the connection settings for the DynamoDB token table.
type DynamoConfig struct {
	Region    string `yaml:"region"`
	TableName string `yaml:"tableName"`
	Endpoint  string `yaml:"endpoint"`
}

type dynamoToken struct {
	PK            string `dynamodbav:"pk"`
	ID            string `dynamodbav:"id"`
	TransactionID string `dynamodbav:"transaction_id"`
	BuyerID       string `dynamodbav:"buyer_id"`
	ImageID       string `dynamodbav:"image_id"`
	Value         string `dynamodbav:"value"`
	ExpiresAt     int64  `dynamodbav:"expires_at"`
	Used          bool   `dynamodbav:"used"`
	UsedAt        int64  `dynamodbav:"used_at,omitempty"`
	CreatedAt     int64  `dynamodbav:"created_at"`
}

type dynamoTransactionIndex struct {
	PK    string `dynamodbav:"pk"`
	Value string `dynamodbav:"value"`
}

// DynamoTokenStore keeps one item per token (pk TOKEN#value) and one guard
// item per transaction (pk TX#id) in a single table.
type DynamoTokenStore struct {
	client    DynamoAPI
	tableName string
}

func NewDynamoTokenStore(client DynamoAPI, tableName string) *DynamoTokenStore {
	return &DynamoTokenStore{client: client, tableName: tableName}
}

// NewDynamoTokenStoreFromConfig builds a client from the default AWS credential chain.
func NewDynamoTokenStoreFromConfig(ctx context.Context, cfg DynamoConfig) (*DynamoTokenStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			// local DynamoDB
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoTokenStore(client, cfg.TableName), nil
}

func (d *DynamoTokenStore) CreateToken(ctx context.Context, tok *database.DownloadToken) error {
	item, err := attributevalue.MarshalMap(toDynamoToken(tok))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	index, err := attributevalue.MarshalMap(dynamoTransactionIndex{
		PK:    transactionKeyPrefix + tok.TransactionID,
		Value: tok.Value,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token index: %w", err)
	}

	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(d.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(d.tableName),
				Item:                index,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
		},
	})
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		return database.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("TransactWriteItems operation failed: %w", err)
	}
	return nil
}

func (d *DynamoTokenStore) FindTokenByValue(ctx context.Context, value string) (*database.DownloadToken, error) {
	item, err := d.getItem(ctx, tokenKeyPrefix+value)
	if err != nil {
		return nil, err
	}
	var dt dynamoToken
	if err := attributevalue.UnmarshalMap(item, &dt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return dt.toModel(), nil
}

func (d *DynamoTokenStore) FindTokenByTransaction(ctx context.Context, transactionID string) (*database.DownloadToken, error) {
	item, err := d.getItem(ctx, transactionKeyPrefix+transactionID)
	if err != nil {
		return nil, err
	}
	var index dynamoTransactionIndex
	if err := attributevalue.UnmarshalMap(item, &index); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token index: %w", err)
	}
	return d.FindTokenByValue(ctx, index.Value)
}

func (d *DynamoTokenStore) ClaimToken(ctx context.Context, value string, now time.Time) (*database.DownloadToken, error) {
	nowMillis := strconv.FormatInt(now.UnixMilli(), 10)
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: tokenKeyPrefix + value},
		},
		UpdateExpression:    aws.String("SET used = :true, used_at = :now"),
		ConditionExpression: aws.String("attribute_exists(pk) AND used = :false AND expires_at > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":now":   &types.AttributeValueMemberN{Value: nowMillis},
		},
		ReturnValues: types.ReturnValueAllNew,
	})

	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		current, err := d.FindTokenByValue(ctx, value)
		if err != nil {
			return nil, err
		}
		if current.Expired(now) {
			return nil, database.ErrTokenExpired
		}
		return nil, database.ErrTokenUsed
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateItem operation failed: %w", err)
	}

	var dt dynamoToken
	if err := attributevalue.UnmarshalMap(out.Attributes, &dt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return dt.toModel(), nil
}

// Close is a no-op; the SDK client holds no connections that need releasing.
func (d *DynamoTokenStore) Close() error {
	return nil
}

func (d *DynamoTokenStore) getItem(ctx context.Context, pk string) (map[string]types.AttributeValue, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem operation failed: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, database.ErrNotFound
	}
	return result.Item, nil
}

func toDynamoToken(tok *database.DownloadToken) dynamoToken {
	dt := dynamoToken{
		PK:            tokenKeyPrefix + tok.Value,
		ID:            tok.ID,
		TransactionID: tok.TransactionID,
		BuyerID:       tok.BuyerID,
		ImageID:       tok.ImageID,
		Value:         tok.Value,
		ExpiresAt:     tok.ExpiresAt.UnixMilli(),
		Used:          tok.Used,
		CreatedAt:     tok.CreatedAt.UnixMilli(),
	}
	if tok.UsedAt != nil {
		dt.UsedAt = tok.UsedAt.UnixMilli()
	}
	return dt
}

func (dt *dynamoToken) toModel() *database.DownloadToken {
	tok := &database.DownloadToken{
		ID:            dt.ID,
		TransactionID: dt.TransactionID,
		BuyerID:       dt.BuyerID,
		ImageID:       dt.ImageID,
		Value:         dt.Value,
		ExpiresAt:     time.UnixMilli(dt.ExpiresAt).UTC(),
		Used:          dt.Used,
		CreatedAt:     time.UnixMilli(dt.CreatedAt).UTC(),
	}
	if dt.UsedAt > 0 {
		usedAt := time.UnixMilli(dt.UsedAt).UTC()
		tok.UsedAt = &usedAt
	}
	return tok
}
