// Package repository persists conversations and the inbound message queue in
// DynamoDB. Conversations use a single-table layout (meta item plus turn
// items under one partition, with a per-sender active pointer); queue items
// are keyed by the transport message id so enqueue is idempotent.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps the DynamoDB tables backing the relay: one for conversation
// state, one for the inbound queue.
type Client struct {
	api                dynamodbAPI
	conversationsTable string
	queueTable         string
}

// New creates a repository Client over both tables.
func New(api dynamodbAPI, conversationsTable, queueTable string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(conversationsTable) == "" {
		return nil, errors.New("repository: conversations table name must not be empty")
	}
	if strings.TrimSpace(queueTable) == "" {
		return nil, errors.New("repository: queue table name must not be empty")
	}
	return &Client{
		api:                api,
		conversationsTable: conversationsTable,
		queueTable:         queueTable,
	}, nil
}

// isConditionalCheckFailed reports whether err is a conditional-write
// rejection, including one inside a cancelled transaction.
func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tc *types.TransactionCanceledException
	if errors.As(err, &tc) {
		for _, reason := range tc.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

// optStrAttr returns "" for a missing or non-string attribute.
func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

// optIntAttr returns 0 for a missing attribute.
func optIntAttr(item map[string]types.AttributeValue, key string) int {
	n, _ := intAttr(item, key)
	return n
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

// timeAttr parses an RFC3339Nano string attribute, returning the zero time
// when the attribute is absent or malformed.
func timeAttr(item map[string]types.AttributeValue, key string) time.Time {
	s := optStrAttr(item, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func strVal(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}

func numVal(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func boolVal(b bool) *types.AttributeValueMemberBOOL {
	return &types.AttributeValueMemberBOOL{Value: b}
}

func timeVal(t time.Time) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}
