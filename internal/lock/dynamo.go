package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jun/postlock/internal/model"
)

// DynamoAPI is the subset of *dynamodb.Client methods used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Condition expressions. A lock is valid while last_heartbeat > now - timeout.
const (
	condAcquire = "attribute_not_exists(resource_id) OR last_heartbeat <= :cutoff OR holder_id = :holder_id"
	condOwned   = "holder_id = :holder_id AND last_heartbeat > :cutoff"
	condStale   = "last_heartbeat = :last_heartbeat"

	acquireAttempts = 3
)

// lockItem is the DynamoDB representation of a lock. Times are unix
// milliseconds so condition expressions compare numbers; expires_at is in
// seconds for the table's TTL setting.
type lockItem struct {
	ResourceID    string `dynamodbav:"resource_id"`
	HolderID      string `dynamodbav:"holder_id"`
	HolderEmail   string `dynamodbav:"holder_email"`
	HolderName    string `dynamodbav:"holder_name"`
	SessionID     string `dynamodbav:"session_id"`
	AcquiredAt    int64  `dynamodbav:"acquired_at"`
	LastHeartbeat int64  `dynamodbav:"last_heartbeat"`
	ExpiresAt     int64  `dynamodbav:"expires_at"`
}

// DynamoStore implements Locker on a DynamoDB table so that several service
// instances share one lock table. Expired items are removed by DynamoDB TTL
// on expires_at, or lazily by Status.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	timeout   time.Duration
	clock     Clock
	logger    *slog.Logger
	metrics   Metrics
}

// NewDynamoStore creates a DynamoStore backed by tableName.
func NewDynamoStore(client DynamoAPI, tableName string, opts ...Option) *DynamoStore {
	o := newOptions(opts)
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		timeout:   o.timeout,
		clock:     o.clock,
		logger:    o.logger.With("component", "lock_store", "table", tableName),
		metrics:   o.metrics,
	}
}

// Acquire attempts to acquire the lock on resourceID for holder.
func (s *DynamoStore) Acquire(ctx context.Context, resourceID string, holder model.Holder) (Result, error) {
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		now := s.clock.Now()
		existing, err := s.get(ctx, resourceID)
		if err != nil {
			return Result{}, err
		}

		if existing != nil && existing.Valid(now, s.timeout) && existing.HolderID != holder.ID {
			s.logger.Info("lock conflict", "resource_id", resourceID, "requested_by", holder.ID, "held_by", existing.HolderID)
			s.metrics.IncAcquire(Conflict.String())
			return Result{Outcome: Conflict, Lock: existing}, nil
		}

		l := &model.Lock{
			ResourceID:    resourceID,
			HolderID:      holder.ID,
			HolderEmail:   holder.Email,
			HolderName:    holder.Name,
			AcquiredAt:    now,
			SessionID:     uuid.NewString(),
			LastHeartbeat: now,
		}
		if existing != nil && existing.Valid(now, s.timeout) {
			l.AcquiredAt = existing.AcquiredAt
			l.SessionID = existing.SessionID
		}

		item, err := attributevalue.MarshalMap(s.toItem(l))
		if err != nil {
			return Result{}, fmt.Errorf("failed to marshal lock: %w", err)
		}

		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String(condAcquire),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cutoff":    millis(s.cutoff(now)),
				":holder_id": &types.AttributeValueMemberS{Value: holder.ID},
			},
		})
		if err == nil {
			s.metrics.IncAcquire(OK.String())
			return Result{Outcome: OK, Lock: l}, nil
		}
		if !isConditionFailed(err) {
			return Result{}, fmt.Errorf("failed to acquire lock: %w", err)
		}
		// Someone else took the lock between our read and write; re-read.
	}

	existing, err := s.get(ctx, resourceID)
	if err != nil {
		return Result{}, err
	}
	s.metrics.IncAcquire(Conflict.String())
	return Result{Outcome: Conflict, Lock: existing}, nil
}

// Heartbeat extends the lock if holderID owns it.
func (s *DynamoStore) Heartbeat(ctx context.Context, resourceID, holderID string) (Result, error) {
	now := s.clock.Now()
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(resourceID),
		UpdateExpression:    aws.String("SET last_heartbeat = :now, expires_at = :expires_at"),
		ConditionExpression: aws.String(condOwned),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":        millis(now),
			":expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.timeout).Unix(), 10)},
			":holder_id":  &types.AttributeValueMemberS{Value: holderID},
			":cutoff":     millis(s.cutoff(now)),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			s.metrics.IncHeartbeat(NotHeld.String())
			return Result{Outcome: NotHeld}, nil
		}
		return Result{}, fmt.Errorf("failed to send heartbeat: %w", err)
	}

	l, err := s.fromAttributes(out.Attributes)
	if err != nil {
		return Result{}, err
	}
	s.metrics.IncHeartbeat(OK.String())
	return Result{Outcome: OK, Lock: l}, nil
}

// Release removes the lock if holderID owns it.
func (s *DynamoStore) Release(ctx context.Context, resourceID, holderID string) (Result, error) {
	now := s.clock.Now()
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(resourceID),
		ConditionExpression: aws.String(condOwned),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":holder_id": &types.AttributeValueMemberS{Value: holderID},
			":cutoff":    millis(s.cutoff(now)),
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		if isConditionFailed(err) {
			s.metrics.IncRelease("owner", NotHeld.String())
			return Result{Outcome: NotHeld}, nil
		}
		return Result{}, fmt.Errorf("failed to release lock: %w", err)
	}

	l, err := s.fromAttributes(out.Attributes)
	if err != nil {
		return Result{}, err
	}
	s.metrics.IncRelease("owner", OK.String())
	return Result{Outcome: OK, Lock: l}, nil
}

// Status retrieves the current lock status, deleting an expired item.
func (s *DynamoStore) Status(ctx context.Context, resourceID string) (Status, error) {
	now := s.clock.Now()
	l, err := s.get(ctx, resourceID)
	if err != nil {
		return Status{}, err
	}
	if l == nil {
		return Status{}, nil
	}
	if l.Valid(now, s.timeout) {
		return Status{Locked: true, Lock: l}, nil
	}

	// Only delete the exact stale item; a concurrent heartbeat or takeover wins.
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(resourceID),
		ConditionExpression: aws.String(condStale),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":last_heartbeat": millis(l.LastHeartbeat),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return Status{}, fmt.Errorf("failed to evict expired lock: %w", err)
	}
	if err == nil {
		s.logger.Info("expired lock evicted", "resource_id", resourceID, "holder_id", l.HolderID, "reason", EvictLazy)
		s.metrics.IncEviction(EvictLazy)
	}
	return Status{}, nil
}

// ForceRelease removes the lock on resourceID whoever holds it.
func (s *DynamoStore) ForceRelease(ctx context.Context, resourceID string) (Result, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tableName),
		Key:          s.key(resourceID),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to force release lock: %w", err)
	}

	l, err := s.fromAttributes(out.Attributes)
	if err != nil {
		return Result{}, err
	}
	if l != nil {
		s.logger.Info("lock force released", "resource_id", resourceID, "holder_id", l.HolderID, "session_id", l.SessionID)
	}
	s.metrics.IncRelease("force", OK.String())
	return Result{Outcome: OK, Lock: l}, nil
}

func (s *DynamoStore) get(ctx context.Context, resourceID string) (*model.Lock, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(resourceID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get lock status: %w", err)
	}
	return s.fromAttributes(out.Item)
}

func (s *DynamoStore) key(resourceID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"resource_id": &types.AttributeValueMemberS{Value: resourceID},
	}
}

func (s *DynamoStore) cutoff(now time.Time) time.Time {
	return now.Add(-s.timeout)
}

func (s *DynamoStore) toItem(l *model.Lock) lockItem {
	return lockItem{
		ResourceID:    l.ResourceID,
		HolderID:      l.HolderID,
		HolderEmail:   l.HolderEmail,
		HolderName:    l.HolderName,
		SessionID:     l.SessionID,
		AcquiredAt:    l.AcquiredAt.UnixMilli(),
		LastHeartbeat: l.LastHeartbeat.UnixMilli(),
		ExpiresAt:     l.ExpiresAt(s.timeout).Unix(),
	}
}

func (s *DynamoStore) fromAttributes(av map[string]types.AttributeValue) (*model.Lock, error) {
	if len(av) == 0 {
		return nil, nil
	}
	var item lockItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock: %w", err)
	}
	return &model.Lock{
		ResourceID:    item.ResourceID,
		HolderID:      item.HolderID,
		HolderEmail:   item.HolderEmail,
		HolderName:    item.HolderName,
		SessionID:     item.SessionID,
		AcquiredAt:    time.UnixMilli(item.AcquiredAt),
		LastHeartbeat: time.UnixMilli(item.LastHeartbeat),
	}, nil
}

func millis(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

var _ Locker = (*DynamoStore)(nil)
