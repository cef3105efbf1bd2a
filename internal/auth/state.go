package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dukerupert/graphsafe/internal/apperr"
)

// StateTTL is how long an OAuth state value stays valid.
const StateTTL = 10 * time.Minute

// StateStore keeps one-time OAuth anti-forgery values.
type StateStore interface {
	Save(ctx context.Context, state, provider string, expiresAt time.Time) error
	// Consume deletes state and returns the provider it was issued for.
	// Unknown or expired values fail with ErrInvalidState.
	Consume(ctx context.Context, state string) (string, error)
}

type memoryState struct {
	provider  string
	expiresAt time.Time
}

// MemoryStateStore is the single-instance fallback when no table is
// configured.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]memoryState
	now    func() time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]memoryState), now: time.Now}
}

func (s *MemoryStateStore) Save(_ context.Context, state, provider string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.states {
		if now.After(v.expiresAt) {
			delete(s.states, k)
		}
	}
	s.states[state] = memoryState{provider: provider, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.states[state]
	delete(s.states, state)
	if !ok || s.now().After(v.expiresAt) {
		return "", fmt.Errorf("unknown or expired state: %w", apperr.ErrInvalidState)
	}
	return v.provider, nil
}

// DynamoClient is the subset of *dynamodb.Client used by DynamoStateStore.
type DynamoClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type stateItem struct {
	State     string `dynamodbav:"state"`
	Provider  string `dynamodbav:"provider"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// DynamoStateStore keeps states in a DynamoDB table keyed by "state" with
// TTL enabled on "expires_at".
type DynamoStateStore struct {
	client DynamoClient
	table  string
	now    func() time.Time
}

func NewDynamoStateStore(client DynamoClient, table string) *DynamoStateStore {
	return &DynamoStateStore{client: client, table: table, now: time.Now}
}

func (s *DynamoStateStore) Save(ctx context.Context, state, provider string, expiresAt time.Time) error {
	item, err := attributevalue.MarshalMap(stateItem{State: state, Provider: provider, ExpiresAt: expiresAt.Unix()})
	if err != nil {
		return fmt.Errorf("marshal oauth state: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("save oauth state: %w", err)
	}
	return nil
}

// Consume deletes the item and reads back the old value in one call, so a
// state can be redeemed only once even across instances.
func (s *DynamoStateStore) Consume(ctx context.Context, state string) (string, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          map[string]types.AttributeValue{"state": &types.AttributeValueMemberS{Value: state}},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return "", fmt.Errorf("consume oauth state: %w", err)
	}
	if len(out.Attributes) == 0 {
		return "", fmt.Errorf("unknown state: %w", apperr.ErrInvalidState)
	}
	var item stateItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return "", fmt.Errorf("unmarshal oauth state: %w", err)
	}
	// DynamoDB removes expired items lazily.
	if s.now().Unix() > item.ExpiresAt {
		return "", fmt.Errorf("state expired at %d: %w", item.ExpiresAt, apperr.ErrInvalidState)
	}
	return item.Provider, nil
}
