package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dukerupert/graphsafe/internal/apperr"
)

// mockDynamo implements DynamoClient for testing.
type mockDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func (m *mockDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := in.Item["state"].(*types.AttributeValueMemberS).Value
	m.items[aws.ToString(in.TableName)+"/"+key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(in.TableName) + "/" + in.Key["state"].(*types.AttributeValueMemberS).Value
	old := m.items[key]
	delete(m.items, key)
	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func testStateStores(t *testing.T) map[string]StateStore {
	return map[string]StateStore{
		"memory": NewMemoryStateStore(),
		"dynamo": NewDynamoStateStore(newMockDynamo(), "oauth-states"),
	}
}

func TestStateOneTimeUse(t *testing.T) {
	for name, s := range testStateStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Save(ctx, "abc", "github", time.Now().Add(StateTTL)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			provider, err := s.Consume(ctx, "abc")
			if err != nil {
				t.Fatalf("Consume: %v", err)
			}
			if provider != "github" {
				t.Errorf("provider = %q, want github", provider)
			}
			if _, err := s.Consume(ctx, "abc"); !errors.Is(err, apperr.ErrInvalidState) {
				t.Errorf("second Consume err = %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestStateUnknown(t *testing.T) {
	for name, s := range testStateStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Consume(context.Background(), "never-issued"); !errors.Is(err, apperr.ErrInvalidState) {
				t.Errorf("err = %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestStateExpired(t *testing.T) {
	for name, s := range testStateStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Save(ctx, "old", "google", time.Now().Add(-time.Minute)); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Consume(ctx, "old"); !errors.Is(err, apperr.ErrInvalidState) {
				t.Errorf("err = %v, want ErrInvalidState", err)
			}
		})
	}
}
